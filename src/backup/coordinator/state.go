package coordinator

import (
	"fmt"

	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

type Mode int

const (
	ModeReading Mode = iota
	ModeWriting
	ModeInterrupted
)

func (m Mode) String() string {
	switch m {
	case ModeReading:
		return "READING"
	case ModeWriting:
		return "WRITING"
	case ModeInterrupted:
		return "ERROR-INTERRUPTED"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type ReaderAction int

const (
	// ReaderWait: the writer owns the queue, wait for a broadcast.
	ReaderWait ReaderAction = iota
	// ReaderUnwind: the session is interrupted.
	ReaderUnwind
	// ReaderHandOff: mark the carried node ready and wake the writer.
	ReaderHandOff
	// ReaderClaim: claim the next page with ClaimPage and read it.
	ReaderClaim
	// ReaderFinish: no pages left, exit.
	ReaderFinish
	// ReaderFinishLast: no pages left and every other reader is
	// gone; wake the writer for the final drain, then exit.
	ReaderFinishLast
)

type WriterAction int

const (
	WriterWait WriterAction = iota
	WriterUnwind
	WriterDrain
)

// State is the hand-off state shared by the readers and the writer of one
// volume. It holds no lock: every method expects the caller to hold the
// coordinator mutex.
type State struct {
	mode       Mode
	nextPage   common.PageID
	totalPages int64
	readers    int
	finished   int
	done       bool
	err        error
}

func NewState(totalPages int64, readers int) *State {
	assert.Assert(totalPages >= 0, "negative page count: %d", totalPages)
	assert.Assert(readers >= 1, "at least one reader is required, got %d", readers)

	return &State{
		mode:       ModeReading,
		totalPages: totalPages,
		readers:    readers,
	}
}

// NextReaderAction decides what a reader does next. carrying reports
// whether the reader still holds a node it has not handed to the writer.
func (s *State) NextReaderAction(carrying bool) ReaderAction {
	switch s.mode {
	case ModeInterrupted:
		return ReaderUnwind
	case ModeWriting:
		return ReaderWait
	}

	if carrying {
		s.mode = ModeWriting
		return ReaderHandOff
	}

	if int64(s.nextPage) >= s.totalPages {
		s.finished++
		assert.Assert(s.finished <= s.readers, "more readers finished than started")
		if s.finished == s.readers {
			s.mode = ModeWriting
			return ReaderFinishLast
		}
		return ReaderFinish
	}
	return ReaderClaim
}

func (s *State) ClaimPage() common.PageID {
	assert.Assert(s.mode == ModeReading, "page claimed in mode %v", s.mode)
	assert.Assert(int64(s.nextPage) < s.totalPages, "page %d claimed past the end (%d)", s.nextPage, s.totalPages)

	id := s.nextPage
	s.nextPage++
	return id
}

func (s *State) NextWriterAction() WriterAction {
	switch s.mode {
	case ModeInterrupted:
		return WriterUnwind
	case ModeReading:
		return WriterWait
	}
	return WriterDrain
}

// FinishDrain hands the queue back to the readers after the writer wrote
// every ready head. It reports whether the writer is done.
func (s *State) FinishDrain(queueEmpty bool) bool {
	assert.Assert(s.mode == ModeWriting, "drain finished in mode %v", s.mode)

	s.mode = ModeReading
	if s.finished == s.readers {
		assert.Assert(queueEmpty, "every reader finished but the queue still holds nodes")
		s.done = true
		return true
	}
	return false
}

// Interrupt moves the state to ERROR-INTERRUPTED. Only the first error is
// kept, and a copy that already finished cleanly stays finished.
func (s *State) Interrupt(err error) {
	if s.mode == ModeInterrupted || s.done {
		return
	}
	s.mode = ModeInterrupted
	s.err = err
}

func (s *State) Mode() Mode {
	return s.mode
}

func (s *State) Err() error {
	return s.err
}

// Done reports whether the writer drained the last unit.
func (s *State) Done() bool {
	return s.done
}

func (s *State) Finished() int {
	return s.finished
}

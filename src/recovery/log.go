package recovery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/hotbackup/src"
	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

var ErrRecordTooLarge = errors.New("log record does not fit in a log page")

// recordHeaderSize is the length prefix of every record in a log page.
const recordHeaderSize = 4

type ArchiveInfo struct {
	Num       common.ArchiveNum `json:"num"`
	FirstPage common.LogPageID  `json:"first_page"`
	LastPage  common.LogPageID  `json:"last_page"`
}

// Header is the durable state of the log. It is rewritten and synced on
// every flush, archive and checkpoint.
type Header struct {
	DBName          string            `json:"db_name"`
	PageSize        int               `json:"page_size"`
	AppendLSA       common.LSA        `json:"append_lsa"`
	CheckpointLSA   common.LSA        `json:"checkpoint_lsa"`
	NextArchivePage common.LogPageID  `json:"next_archive_page"`
	NextArchiveNum  common.ArchiveNum `json:"next_archive_num"`
	BackupWatermark common.LSA        `json:"backup_watermark"`
	Archives        []ArchiveInfo     `json:"archives"`
}

// LogManager keeps the active log in memory from the first unarchived
// page up to the append page, and writes it to the active log file on
// flush. Sealed pages move into numbered archive files.
type LogManager struct {
	fs     afero.Fs
	dir    string
	logger src.Logger

	mu     sync.Mutex
	header Header
	// active[i] is log page header.NextArchivePage + i. The last entry
	// is the page records are appended to.
	active [][]byte
}

var _ common.LogManager = &LogManager{}

func (l *LogManager) activePath() string {
	return filepath.Join(l.dir, l.header.DBName+"_lgat")
}

func (l *LogManager) headerPath() string {
	return filepath.Join(l.dir, l.header.DBName+"_lghdr")
}

func (l *LogManager) infoPath() string {
	return filepath.Join(l.dir, l.header.DBName+"_lginf")
}

func (l *LogManager) archivePath(num common.ArchiveNum) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_lgar%03d", l.header.DBName, num))
}

// Open loads the log of dbName from dir or initializes an empty one.
func Open(fs afero.Fs, dir, dbName string, pageSize int, logger src.Logger) (*LogManager, error) {
	assert.Assert(pageSize > recordHeaderSize, "log page size %d is too small", pageSize)

	l := &LogManager{
		fs:     fs,
		dir:    dir,
		logger: logger,
		header: Header{
			DBName:          dbName,
			PageSize:        pageSize,
			NextArchiveNum:  0,
			BackupWatermark: common.NullLSA,
			Archives:        []ArchiveInfo{},
		},
	}

	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	exists, err := afero.Exists(fs, l.headerPath())
	if err != nil {
		return nil, fmt.Errorf("failed to stat log header: %w", err)
	}
	if !exists {
		l.active = [][]byte{make([]byte, pageSize)}
		if err := l.flushAssumeLocked(); err != nil {
			return nil, err
		}
		return l, nil
	}

	if err := l.load(pageSize); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LogManager) load(pageSize int) error {
	raw, err := afero.ReadFile(l.fs, l.headerPath())
	if err != nil {
		return fmt.Errorf("failed to read log header: %w", err)
	}
	if err := json.Unmarshal(raw, &l.header); err != nil {
		return fmt.Errorf("failed to parse log header: %w", err)
	}
	if l.header.PageSize != pageSize {
		return fmt.Errorf("log was created with page size %d, not %d", l.header.PageSize, pageSize)
	}

	data, err := afero.ReadFile(l.fs, l.activePath())
	if err != nil {
		return fmt.Errorf("failed to read active log: %w", err)
	}

	pages := int(l.header.AppendLSA.PageID-l.header.NextArchivePage) + 1
	if len(data) < pages*pageSize {
		return fmt.Errorf("active log holds %d bytes, header expects %d pages", len(data), pages)
	}
	l.active = make([][]byte, pages)
	for i := range pages {
		l.active[i] = slices.Clone(data[i*pageSize : (i+1)*pageSize])
	}
	return nil
}

func (l *LogManager) Lock() {
	l.mu.Lock()
}

func (l *LogManager) Unlock() {
	l.mu.Unlock()
}

// Append writes one record and returns its address. Records never span
// pages.
func (l *LogManager) Append(record []byte) (common.LSA, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pageSize := l.header.PageSize
	need := recordHeaderSize + len(record)
	if need > pageSize {
		return common.NullLSA, fmt.Errorf("%w: %d bytes, page is %d", ErrRecordTooLarge, len(record), pageSize)
	}

	if int(l.header.AppendLSA.Offset)+need > pageSize {
		l.startNextPageAssumeLocked()
	}

	lsa := l.header.AppendLSA
	page := l.active[len(l.active)-1]
	binary.BigEndian.PutUint32(page[lsa.Offset:], uint32(len(record)))
	copy(page[int(lsa.Offset)+recordHeaderSize:], record)

	l.header.AppendLSA.Offset += int32(need)
	return lsa, nil
}

func (l *LogManager) startNextPageAssumeLocked() {
	l.active = append(l.active, make([]byte, l.header.PageSize))
	l.header.AppendLSA = common.LSA{PageID: l.header.AppendLSA.PageID + 1, Offset: 0}
}

func (l *LogManager) AppendLSA() common.LSA {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header.AppendLSA
}

func (l *LogManager) CheckpointLSAAssumeLocked() common.LSA {
	return l.header.CheckpointLSA
}

func (l *LogManager) NextArchivePageAssumeLocked() common.LogPageID {
	return l.header.NextArchivePage
}

// LastArchiveAssumeLocked is the newest archive, NullArchiveNum when
// nothing was archived yet.
func (l *LogManager) LastArchiveAssumeLocked() common.ArchiveNum {
	if len(l.header.Archives) == 0 {
		return common.NullArchiveNum
	}
	return l.header.NextArchiveNum - 1
}

func (l *LogManager) FirstRequiredArchiveAssumeLocked() common.ArchiveNum {
	page := l.header.CheckpointLSA.PageID
	for _, a := range l.header.Archives {
		if a.FirstPage <= page && page <= a.LastPage {
			return a.Num
		}
	}
	return l.header.NextArchiveNum
}

// ForceArchiveAssumeLocked seals every page before the append page into a
// new archive. A partially filled append page is ended first so it is
// archived too.
func (l *LogManager) ForceArchiveAssumeLocked() (err error) {
	if l.header.AppendLSA.Offset > 0 {
		l.startNextPageAssumeLocked()
	}

	first := l.header.NextArchivePage
	end := l.header.AppendLSA.PageID
	if end == first {
		return nil
	}

	num := l.header.NextArchiveNum
	sealed := l.active[:end-first]
	if err := l.writePages(l.archivePath(num), sealed); err != nil {
		return err
	}

	l.header.Archives = append(l.header.Archives, ArchiveInfo{Num: num, FirstPage: first, LastPage: end - 1})
	l.header.NextArchiveNum++
	l.header.NextArchivePage = end
	l.active = slices.Clone(l.active[end-first:])

	if err := l.flushAssumeLocked(); err != nil {
		return err
	}
	if err := l.appendInfo(fmt.Sprintf("archive %s created for pages %d..%d", l.archiveLabel(num), first, end-1)); err != nil {
		return err
	}

	l.logger.Infow(
		"log archived",
		"archive", num,
		"first_page", first,
		"last_page", end-1,
	)
	return nil
}

func (l *LogManager) writePages(path string, pages [][]byte) (err error) {
	file, err := l.fs.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	for i, p := range pages {
		if _, err = file.WriteAt(p, int64(i)*int64(l.header.PageSize)); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}

func (l *LogManager) writeHeaderAssumeLocked() (err error) {
	raw, err := json.Marshal(l.header)
	if err != nil {
		return fmt.Errorf("failed to marshal log header: %w", err)
	}

	file, err := l.fs.OpenFile(filepath.Clean(l.headerPath()), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log header: %w", err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err = file.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log header: %w", err)
	}
	return nil
}

func (l *LogManager) flushAssumeLocked() error {
	if err := l.writePages(l.activePath(), l.active); err != nil {
		return err
	}
	return l.writeHeaderAssumeLocked()
}

// FlushUpToAssumeLocked makes every record before lsa durable. The whole
// active log is written, which covers lsa.
func (l *LogManager) FlushUpToAssumeLocked(lsa common.LSA) error {
	assert.Assert(
		lsa.Compare(l.header.AppendLSA) <= 0,
		"flush target %s is past the append point %s",
		lsa,
		l.header.AppendLSA,
	)
	return l.flushAssumeLocked()
}

func (l *LogManager) SetBackupWatermarkAssumeLocked(lsa common.LSA) error {
	l.header.BackupWatermark = lsa
	return l.writeHeaderAssumeLocked()
}

func (l *LogManager) BackupWatermark() common.LSA {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header.BackupWatermark
}

// PruneArchivesAssumeLocked removes archives older than the one holding
// the current checkpoint.
func (l *LogManager) PruneArchivesAssumeLocked() error {
	required := l.FirstRequiredArchiveAssumeLocked()

	kept := []ArchiveInfo{}
	removed := []common.ArchiveNum{}
	for _, a := range l.header.Archives {
		if a.Num >= required {
			kept = append(kept, a)
			continue
		}
		if err := l.fs.Remove(l.archivePath(a.Num)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove archive %d: %w", a.Num, err)
		}
		removed = append(removed, a.Num)
	}
	if len(removed) == 0 {
		return nil
	}

	l.header.Archives = kept
	if err := l.writeHeaderAssumeLocked(); err != nil {
		return err
	}
	if err := l.appendInfo(fmt.Sprintf("archives %d..%d removed", removed[0], removed[len(removed)-1])); err != nil {
		return err
	}

	l.logger.Infow("log archives pruned", "removed", removed, "first_required", required)
	return nil
}

// Checkpoint moves the checkpoint to the append point and makes it
// durable.
func (l *LogManager) Checkpoint() (common.LSA, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.header.CheckpointLSA = l.header.AppendLSA
	if err := l.flushAssumeLocked(); err != nil {
		return common.NullLSA, err
	}
	return l.header.CheckpointLSA, nil
}

func (l *LogManager) appendInfo(msg string) (err error) {
	file, err := l.fs.OpenFile(filepath.Clean(l.infoPath()), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log info file: %w", err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), msg)
	if _, err = file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write log info file: %w", err)
	}
	return nil
}

// Archives lists the archives still on disk, oldest first.
func (l *LogManager) Archives() []ArchiveInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.header.Archives)
}

func (l *LogManager) Header() Header {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.header
	h.Archives = slices.Clone(h.Archives)
	return h
}

func (l *LogManager) archiveLabel(num common.ArchiveNum) string {
	return fmt.Sprintf("%s_lgar%03d", l.header.DBName, num)
}

func (l *LogManager) ArchiveVolume(num common.ArchiveNum) common.Volume {
	return common.Volume{
		ID:    common.LogArchiveVolumeID,
		Label: l.archiveLabel(num),
		Path:  l.archivePath(num),
		Kind:  common.KindLogArchive,
	}
}

func (l *LogManager) ActiveLogVolume() common.Volume {
	return common.Volume{
		ID:    common.LogActiveVolumeID,
		Label: l.header.DBName + "_lgat",
		Path:  l.activePath(),
		Kind:  common.KindLogActive,
	}
}

// LogInfoVolume reports the log-info file once anything was written to it.
func (l *LogManager) LogInfoVolume() (common.Volume, bool) {
	exists, err := afero.Exists(l.fs, l.infoPath())
	if err != nil || !exists {
		return common.Volume{}, false
	}
	return common.Volume{
		ID:    common.LogInfoVolumeID,
		Label: l.header.DBName + "_lginf",
		Path:  l.infoPath(),
		Kind:  common.KindLogInfo,
	}, true
}

package disk

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/hotbackup/src/pkg/assert"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

var ErrNoSuchVolume = errors.New("no such volume")

// checkpointHeaderSize is the on-disk checkpoint marker at the start of
// page 0 of every data volume: page id int64, offset int32.
const checkpointHeaderSize = 12

type directoryData struct {
	DBName   string          `json:"db_name"`
	PageSize int             `json:"page_size"`
	Volumes  []common.Volume `json:"volumes"`
}

// Manager owns the volume directory and the volume files of one database.
// Page writes are buffered until FlushVolume.
type Manager struct {
	fs       afero.Fs
	dir      string
	dbName   string
	pageSize int

	mu      sync.Mutex
	volumes map[common.VolumeID]common.Volume
	dirty   map[common.VolumeID]map[common.PageID][]byte
}

var _ common.VolumeManager = &Manager{}

func DirectoryFileName(dir, dbName string) string {
	return filepath.Join(dir, dbName+"_vinf")
}

// New opens the volume directory under dir, creating an empty one if it
// does not exist yet.
func New(fs afero.Fs, dir, dbName string, pageSize int) (*Manager, error) {
	assert.Assert(pageSize >= checkpointHeaderSize, "page size %d is too small", pageSize)

	m := &Manager{
		fs:       fs,
		dir:      dir,
		dbName:   dbName,
		pageSize: pageSize,
		volumes:  map[common.VolumeID]common.Volume{},
		dirty:    map[common.VolumeID]map[common.PageID][]byte{},
	}

	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	path := DirectoryFileName(dir, dbName)
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat volume directory: %w", err)
	}
	if !exists {
		if err := m.saveDirectoryAssumeLocked(); err != nil {
			return nil, err
		}
		return m, nil
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume directory: %w", err)
	}

	var data directoryData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse volume directory %s: %w", path, err)
	}
	if data.PageSize != pageSize {
		return nil, fmt.Errorf("volume directory was created with page size %d, not %d", data.PageSize, pageSize)
	}
	for _, vol := range data.Volumes {
		m.volumes[vol.ID] = vol
	}
	return m, nil
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) directoryVolume() common.Volume {
	return common.Volume{
		ID:    common.VolumeDirectoryVolumeID,
		Label: m.dbName + "_vinf",
		Path:  DirectoryFileName(m.dir, m.dbName),
		Kind:  common.KindVolumeDirectory,
	}
}

func (m *Manager) saveDirectoryAssumeLocked() (err error) {
	data := directoryData{
		DBName:   m.dbName,
		PageSize: m.pageSize,
		Volumes:  m.sortedVolumesAssumeLocked(),
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal volume directory: %w", err)
	}

	file, err := m.fs.OpenFile(
		filepath.Clean(DirectoryFileName(m.dir, m.dbName)),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		0o600,
	)
	if err != nil {
		return fmt.Errorf("failed to open volume directory: %w", err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err = file.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("failed to write volume directory: %w", err)
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync volume directory: %w", err)
	}
	return nil
}

func (m *Manager) sortedVolumesAssumeLocked() []common.Volume {
	vols := make([]common.Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		vols = append(vols, v)
	}
	slices.SortFunc(vols, func(a, b common.Volume) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return vols
}

// CreateVolume creates a zero-filled volume of the given number of pages
// and registers it. An empty Path defaults to the label inside the data
// directory.
func (m *Manager) CreateVolume(vol common.Volume, pages int64) (_ common.Volume, err error) {
	if vol.Path == "" {
		vol.Path = filepath.Join(m.dir, vol.Label)
	}

	file, err := m.fs.OpenFile(filepath.Clean(vol.Path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return common.Volume{}, fmt.Errorf("failed to create volume %s: %w", vol.Label, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if err = file.Truncate(pages * int64(m.pageSize)); err != nil {
		return common.Volume{}, fmt.Errorf("failed to size volume %s: %w", vol.Label, err)
	}
	if err = file.Sync(); err != nil {
		return common.Volume{}, fmt.Errorf("failed to sync volume %s: %w", vol.Label, err)
	}

	if err = m.Register(vol); err != nil {
		return common.Volume{}, err
	}
	return vol, nil
}

// Register adds an existing file to the volume directory.
func (m *Manager) Register(vol common.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vol.ID == common.VolumeDirectoryVolumeID {
		return fmt.Errorf("volume id %d is reserved for the volume directory", vol.ID)
	}
	if old, ok := m.volumes[vol.ID]; ok {
		return fmt.Errorf("volume id %d is already taken by %s", vol.ID, old.Label)
	}

	m.volumes[vol.ID] = vol
	return m.saveDirectoryAssumeLocked()
}

// Volumes lists the volume directory itself first, then every registered
// volume by ascending id.
func (m *Manager) Volumes() ([]common.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]common.Volume{m.directoryVolume()}, m.sortedVolumesAssumeLocked()...), nil
}

func (m *Manager) volumeAssumeLocked(volID common.VolumeID) (common.Volume, error) {
	if volID == common.VolumeDirectoryVolumeID {
		return m.directoryVolume(), nil
	}
	vol, ok := m.volumes[volID]
	if !ok {
		return common.Volume{}, fmt.Errorf("%w: %d", ErrNoSuchVolume, volID)
	}
	return vol, nil
}

type volumeFile struct {
	afero.File
}

func (f volumeFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open opens the file behind vol for reading. The volume need not be
// registered; log volumes are opened the same way.
func (m *Manager) Open(vol common.Volume) (common.VolumeFile, error) {
	file, err := m.fs.Open(filepath.Clean(vol.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", vol.Label, err)
	}
	return volumeFile{File: file}, nil
}

// WritePage buffers a page image. It reaches the file on FlushVolume.
func (m *Manager) WritePage(volID common.VolumeID, pageID common.PageID, data []byte) error {
	assert.Assert(len(data) == m.pageSize, "page of %d bytes, expected %d", len(data), m.pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.volumeAssumeLocked(volID); err != nil {
		return err
	}

	pages, ok := m.dirty[volID]
	if !ok {
		pages = map[common.PageID][]byte{}
		m.dirty[volID] = pages
	}
	pages[pageID] = slices.Clone(data)
	return nil
}

// ReadPage returns the latest image of a page, buffered or on disk.
func (m *Manager) ReadPage(volID common.VolumeID, pageID common.PageID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol, err := m.volumeAssumeLocked(volID)
	if err != nil {
		return nil, err
	}
	if data, ok := m.dirty[volID][pageID]; ok {
		return slices.Clone(data), nil
	}

	file, err := m.fs.Open(filepath.Clean(vol.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", vol.Label, err)
	}
	defer file.Close()

	data := make([]byte, m.pageSize)
	if _, err := file.ReadAt(data, int64(pageID)*int64(m.pageSize)); err != nil {
		return nil, fmt.Errorf("failed to read page %d of %s: %w", pageID, vol.Label, err)
	}
	return data, nil
}

// DirtyPages is the number of buffered pages of a volume.
func (m *Manager) DirtyPages(volID common.VolumeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty[volID])
}

// FlushVolume writes the buffered pages of a volume and syncs its file.
// Flushing the volume directory rewrites the directory file.
func (m *Manager) FlushVolume(volID common.VolumeID) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if volID == common.VolumeDirectoryVolumeID {
		return m.saveDirectoryAssumeLocked()
	}

	vol, err := m.volumeAssumeLocked(volID)
	if err != nil {
		return err
	}

	file, err := m.fs.OpenFile(filepath.Clean(vol.Path), os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", vol.Label, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	pages := m.dirty[volID]
	ids := make([]common.PageID, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, err = file.WriteAt(pages[id], int64(id)*int64(m.pageSize)); err != nil {
			return fmt.Errorf("failed to write page %d of %s: %w", id, vol.Label, err)
		}
	}
	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync volume %s: %w", vol.Label, err)
	}

	delete(m.dirty, volID)
	return nil
}

func putCheckpointLSA(dst []byte, lsa common.LSA) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(lsa.PageID))
	binary.BigEndian.PutUint32(dst[8:12], uint32(lsa.Offset))
}

// ResetCheckpointLSA overwrites the checkpoint marker of a volume on disk.
// A buffered image of page 0 is patched as well so a later flush keeps
// the new marker.
func (m *Manager) ResetCheckpointLSA(volID common.VolumeID, lsa common.LSA) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vol, err := m.volumeAssumeLocked(volID)
	if err != nil {
		return err
	}

	var header [checkpointHeaderSize]byte
	putCheckpointLSA(header[:], lsa)

	if page, ok := m.dirty[volID][0]; ok {
		copy(page, header[:])
	}

	file, err := m.fs.OpenFile(filepath.Clean(vol.Path), os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open volume %s: %w", vol.Label, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err = file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("failed to reset checkpoint of %s: %w", vol.Label, err)
	}
	return nil
}

func (m *Manager) CheckpointLSA(volID common.VolumeID) (common.LSA, error) {
	page, err := m.ReadPage(volID, 0)
	if err != nil {
		return common.NullLSA, err
	}
	return common.LSA{
		PageID: common.LogPageID(int64(binary.BigEndian.Uint64(page[0:8]))),
		Offset: int32(binary.BigEndian.Uint32(page[8:12])),
	}, nil
}

package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/compilenix/rbd-zfs-backup-worker/cephapi"
)

// SourceSimulator is an in-memory SourceClient. Volume and snapshot
// content are byte slices; MapReadOnly materializes a snapshot into a
// file under mapDir so the copy path exercises real file I/O.
type SourceSimulator struct {
	volumeName   string
	head         []byte
	snapshots    []cephapi.Snapshot
	snapshotData map[string][]byte
	diffResult   []cephapi.Extent
	mapDir       string
	mappedPath   string

	// MapHook runs after a successful MapReadOnly; tests use it to
	// deliver an interruption at a deterministic point of the run.
	MapHook func()

	CreateSnapshotErr error
	DeleteSnapshotErr error

	mutex *sync.Mutex
}

func NewSourceSimulator(volumeName string, size int64, mapDir string) *SourceSimulator {
	return &SourceSimulator{
		volumeName:   volumeName,
		head:         make([]byte, size),
		snapshotData: map[string][]byte{},
		mapDir:       mapDir,
		mutex:        &sync.Mutex{},
	}
}

// WriteHead mutates the live volume content, like a client writing to
// the RBD volume between runs.
func (s *SourceSimulator) WriteHead(offset int64, data []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copy(s.head[offset:], data)
}

func (s *SourceSimulator) SetDiffResult(extents []cephapi.Extent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.diffResult = extents
}

func (s *SourceSimulator) SnapshotNames() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	names := []string{}
	for _, snapshot := range s.snapshots {
		names = append(names, snapshot.Name)
	}
	return names
}

func (s *SourceSimulator) IsMapped() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.mappedPath != ""
}

func (s *SourceSimulator) VolumeExists(volume string) (bool, error) {
	return volume == s.volumeName, nil
}

func (s *SourceSimulator) ListSnapshots(volume string) ([]cephapi.Snapshot, error) {
	if volume != s.volumeName {
		return nil, fmt.Errorf("unknown volume %v", volume)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	snapshots := make([]cephapi.Snapshot, len(s.snapshots))
	copy(snapshots, s.snapshots)
	return snapshots, nil
}

func (s *SourceSimulator) CreateSnapshot(volume, name string) error {
	if s.CreateSnapshotErr != nil {
		return s.CreateSnapshotErr
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	data := make([]byte, len(s.head))
	copy(data, s.head)
	s.snapshotData[name] = data
	s.snapshots = append(s.snapshots, cephapi.Snapshot{
		ID:   int64(len(s.snapshots) + 1),
		Name: name,
		Size: int64(len(data)),
	})
	return nil
}

func (s *SourceSimulator) DeleteSnapshot(volume, name string) error {
	if s.DeleteSnapshotErr != nil {
		return s.DeleteSnapshotErr
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, snapshot := range s.snapshots {
		if snapshot.Name == name {
			s.snapshots = append(s.snapshots[:i], s.snapshots[i+1:]...)
			delete(s.snapshotData, name)
			return nil
		}
	}
	return fmt.Errorf("snapshot %v does not exist", name)
}

func (s *SourceSimulator) GetVolumeInfo(volume string) (*cephapi.VolumeInfo, error) {
	if volume != s.volumeName {
		return nil, fmt.Errorf("unknown volume %v", volume)
	}
	return &cephapi.VolumeInfo{
		Name: s.volumeName,
		Size: int64(len(s.head)),
	}, nil
}

func (s *SourceSimulator) MapReadOnly(spec string) (string, error) {
	s.mutex.Lock()
	var data []byte
	for name, snapData := range s.snapshotData {
		if spec == s.volumeName+"@"+name {
			data = snapData
			break
		}
	}
	if data == nil {
		s.mutex.Unlock()
		return "", fmt.Errorf("cannot map %v, no such snapshot", spec)
	}
	path := filepath.Join(s.mapDir, "nbd0")
	if err := os.WriteFile(path, data, 0600); err != nil {
		s.mutex.Unlock()
		return "", err
	}
	s.mappedPath = path
	s.mutex.Unlock()

	if s.MapHook != nil {
		s.MapHook()
	}
	return path, nil
}

func (s *SourceSimulator) Unmap(dev string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if dev != s.mappedPath {
		return fmt.Errorf("device %v is not mapped", dev)
	}
	s.mappedPath = ""
	return os.Remove(dev)
}

func (s *SourceSimulator) Diff(volume, fromSnap, toSnap string, wholeObject bool) ([]cephapi.Extent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.snapshotData[fromSnap]; !ok {
		return nil, fmt.Errorf("snapshot %v does not exist", fromSnap)
	}
	if _, ok := s.snapshotData[toSnap]; !ok {
		return nil, fmt.Errorf("snapshot %v does not exist", toSnap)
	}
	return s.diffResult, nil
}

// DestinationSimulator is an in-memory DestinationClient backed by
// regular files under dir, standing in for zvol device nodes.
type DestinationSimulator struct {
	dir       string
	volumes   map[string]bool
	snapshots map[string][]string

	CreateSnapshotErr error
	CreateVolumeSize  int64 // when non-zero, overrides the requested size

	mutex *sync.Mutex
}

func NewDestinationSimulator(dir string) *DestinationSimulator {
	return &DestinationSimulator{
		dir:       dir,
		volumes:   map[string]bool{},
		snapshots: map[string][]string{},
		mutex:     &sync.Mutex{},
	}
}

func (d *DestinationSimulator) Snapshots(dataset string) []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string{}, d.snapshots[dataset]...)
}

func (d *DestinationSimulator) DevicePath(dataset string) string {
	return filepath.Join(d.dir, filepath.FromSlash(dataset))
}

func (d *DestinationSimulator) VolumeExists(dataset string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.volumes[dataset], nil
}

func (d *DestinationSimulator) CreateVolume(dataset string, size int64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.volumes[dataset] {
		return fmt.Errorf("volume %v already exists", dataset)
	}
	if d.CreateVolumeSize != 0 {
		size = d.CreateVolumeSize
	}
	path := d.DevicePath(dataset)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	d.volumes[dataset] = true
	return nil
}

func (d *DestinationSimulator) CreateSnapshot(dataset, name string) error {
	if d.CreateSnapshotErr != nil {
		return d.CreateSnapshotErr
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.volumes[dataset] {
		return fmt.Errorf("volume %v does not exist", dataset)
	}
	d.snapshots[dataset] = append(d.snapshots[dataset], name)
	return nil
}

func (d *DestinationSimulator) DeviceSize(dev string) (int64, error) {
	st, err := os.Stat(dev)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// AdoptVolume registers an existing file as a volume, for building
// incremental-mode fixtures.
func (d *DestinationSimulator) AdoptVolume(dataset string, content []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	path := d.DevicePath(dataset)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return err
	}
	d.volumes[dataset] = true
	return nil
}

package rawfile

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"

	"github.com/sphenix-offline/seballign/rawevent"
)

// LocalSource reads frame-encoded raw events sequentially from a fixed list
// of local files, in order. It implements rawevent.Source.
type LocalSource struct {
	Paths []string

	// Replay, if non-nil, receives every decoded event's raw frame bytes
	// for diagnostic replay (see ReplayBuffer); nil disables this.
	Replay *ReplayBuffer

	idx  int
	f    *os.File
	r    *bufio.Reader
	done bool
}

var _ rawevent.Source = (*LocalSource)(nil)

// OpenNextFile closes the current file, if any, and opens the next one in
// Paths. It returns false once Paths is exhausted.
func (s *LocalSource) OpenNextFile() (bool, error) {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return false, errors.Wrapf(err, "closing %s", s.f.Name())
		}
		s.f = nil
	}
	if s.idx >= len(s.Paths) {
		s.done = true
		return false, nil
	}
	path := s.Paths[s.idx]
	s.idx++

	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrapf(err, "opening %s", path)
	}
	// Raw files are read strictly front-to-back and never revisited;
	// hint the kernel accordingly. Best-effort: some filesystems don't
	// support fadvise, and that's fine.
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL); err != nil {
		vlog.VI(1).Infof("rawfile: fadvise(%s) failed: %v", path, err)
	}

	s.f = f
	s.r = bufio.NewReaderSize(f, 1<<20)
	vlog.VI(1).Infof("rawfile: opened %s", path)
	return true, nil
}

// NextEvent returns the next decoded event from the current file, or nil
// when the file is exhausted.
func (s *LocalSource) NextEvent() (rawevent.Event, error) {
	if s.r == nil {
		return nil, nil
	}
	evt, err := decodeEvent(s.r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding event from %s", s.f.Name())
	}
	if s.Replay != nil {
		s.Replay.Record(evt)
	}
	return evt, nil
}

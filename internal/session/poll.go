package session

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const readChunk = 4096

// errPollTimeout is the internal sentinel for an expired readiness wait.
// Callers translate it into a structured timeout error with context.
var errPollTimeout = errors.New("poll deadline elapsed")

// pipe is the read side of one captured output stream. Reads go through the
// raw descriptor in non-blocking mode so a readiness poll can multiplex
// several streams without a fixed polling interval.
type pipe struct {
	name string
	file *os.File
	fd   int
	eof  bool
}

func newPipe(name string, f *os.File) (*pipe, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	return &pipe{name: name, file: f, fd: fd}, nil
}

// drain reads every currently-available byte without blocking. It flags EOF
// on the pipe when the write side has closed.
func (p *pipe) drain() ([]byte, error) {
	if p.eof {
		return nil, nil
	}
	var collected []byte
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(p.fd, buf)
		if n > 0 {
			collected = append(collected, buf[:n]...)
			continue
		}
		switch {
		case n == 0 && err == nil:
			p.eof = true
			return collected, nil
		case err == unix.EAGAIN:
			return collected, nil
		case err == unix.EINTR:
			continue
		default:
			return collected, err
		}
	}
}

func (p *pipe) close() {
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
}

// waitReadable blocks until at least one non-EOF pipe has data (or has hit
// end-of-file), or the deadline passes. A zero deadline blocks indefinitely.
// Returns errPollTimeout on expiry.
func waitReadable(pipes []*pipe, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errPollTimeout
			}
			// Round up so a sub-millisecond remainder doesn't spin.
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		fds := make([]unix.PollFd, 0, len(pipes))
		for _, p := range pipes {
			if !p.eof {
				fds = append(fds, unix.PollFd{Fd: int32(p.fd), Events: unix.POLLIN})
			}
		}
		if len(fds) == 0 {
			return nil
		}

		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errPollTimeout
		}
		return nil
	}
}

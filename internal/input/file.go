package input

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tailship/tailship/internal/config"
)

// graceEOFPulls is how many consecutive end-of-file pulls a rotated file
// keeps being drained before its handle is closed. At the default 500 ms
// poll this is roughly ten seconds.
const graceEOFPulls = 20

// positionFormat is the 29-byte ASCII marker layout: inode and byte offset.
const positionFormat = "%014d:%014d"

// Tailer follows a single file path across rotation and truncation.
type Tailer struct {
	path string
	log  *logrus.Entry

	file    *os.File
	reader  *bufio.Reader
	inode   uint64
	pos     int64
	partial []byte

	lastEOF    bool
	rotPending bool
	eofPulls   int
	exhausted  bool

	openAtBegin   bool
	savePosition  bool
	positionPath  string
	skip          []*regexp.Regexp
	grep          []*regexp.Regexp
	openErrLogged bool
}

// NewTailer creates a tailer for one concrete path. startAtBegin forces the
// first open to read from offset 0, as the engine does for glob-discovered
// files; otherwise the input's start_position applies.
func NewTailer(path string, cfg config.InputConfig, startAtBegin bool, log *logrus.Entry) (*Tailer, error) {
	t := &Tailer{
		path:         path,
		log:          log.WithField("path", path),
		openAtBegin:  startAtBegin || cfg.StartPosition == "begin",
		savePosition: cfg.SavePosition,
	}

	dir := cfg.PositionDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	t.positionPath = filepath.Join(dir, "."+filepath.Base(path)+".pos")

	for _, expr := range cfg.Skip {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling skip pattern %q: %w", expr, err)
		}
		t.skip = append(t.skip, re)
	}
	for _, expr := range cfg.Grep {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling grep pattern %q: %w", expr, err)
		}
		t.grep = append(t.grep, re)
	}

	return t, nil
}

// Name returns the tailed path.
func (t *Tailer) Name() string {
	return t.path
}

// Path returns the tailed path.
func (t *Tailer) Path() string {
	return t.path
}

// PositionPath returns the location of the position-marker file.
func (t *Tailer) PositionPath() string {
	return t.positionPath
}

// Pull returns up to max lines from where reading left off. ErrUnusable
// reports the path gone after the rotation grace window; a later pull
// retries the open, so a static path that reappears resumes on its own
// while glob discoveries are retired by their owner.
func (t *Tailer) Pull(max int) ([]string, error) {
	if t.exhausted {
		if err := t.open(); err != nil {
			return nil, ErrUnusable
		}
		t.exhausted = false
	}

	if t.file == nil {
		if err := t.open(); err != nil {
			if !t.openErrLogged {
				t.log.Warnf("cannot open: %v", err)
				t.openErrLogged = true
			}
			return nil, nil
		}
	}

	// A pull following an EOF pull re-stats the path for rotation.
	if t.lastEOF {
		gone, rotated := t.statPath()
		if gone || rotated {
			t.rotPending = true
		} else {
			t.rotPending = false
			t.eofPulls = 0
		}
	}

	t.checkTruncation()

	startPos := t.pos
	lines, sawEOF, err := t.read(max)
	if err != nil {
		return nil, err
	}
	t.lastEOF = sawEOF

	if t.savePosition && t.pos != startPos {
		if err := t.writePosition(); err != nil {
			t.log.Warnf("cannot persist position: %v", err)
		}
	}

	if sawEOF && t.rotPending {
		t.eofPulls++
		if t.eofPulls >= graceEOFPulls {
			t.closeFile()
			t.openAtBegin = true
			t.rotPending = false
			t.eofPulls = 0
			if gone, _ := t.statPath(); gone {
				t.exhausted = true
				if len(lines) == 0 {
					return nil, ErrUnusable
				}
			}
		}
	}

	return lines, nil
}

// read drains up to max complete lines from the open handle. Partial lines
// at end of file are held back until the terminating newline arrives.
func (t *Tailer) read(max int) ([]string, bool, error) {
	var lines []string
	for len(lines) < max {
		chunk, err := t.reader.ReadString('\n')
		if err == io.EOF {
			if chunk != "" {
				t.partial = append(t.partial, chunk...)
			}
			return lines, true, nil
		}
		if err != nil {
			t.closeFile()
			return nil, false, ErrUnusable
		}

		line := string(t.partial) + chunk
		t.partial = nil
		t.pos += int64(len(line))

		line = strings.TrimSuffix(line, "\n")
		if t.keep(line) {
			lines = append(lines, line)
		}
	}
	return lines, false, nil
}

// keep applies skip patterns first, then grep patterns.
func (t *Tailer) keep(line string) bool {
	for _, re := range t.skip {
		if re.MatchString(line) {
			return false
		}
	}
	if len(t.grep) == 0 {
		return true
	}
	for _, re := range t.grep {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// open opens the path read-only, records its inode and seeks to the
// resume position: the stored marker when save_position is set and the
// inode matches, offset 0 after rotation, for glob discoveries or with
// start_position begin, end of file otherwise.
func (t *Tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", t.path, err)
	}

	pos := int64(0)
	resumed := false
	if t.savePosition {
		if inode, stored, err := readPosition(t.positionPath); err == nil && inode == st.Ino {
			pos = stored
			if size := int64(st.Size); pos > size {
				pos = 0
			}
			resumed = true
		}
	}
	if !resumed && !t.openAtBegin {
		pos = int64(st.Size)
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek %s: %w", t.path, err)
	}

	t.file = f
	t.reader = bufio.NewReader(f)
	t.inode = st.Ino
	t.pos = pos
	t.partial = nil
	t.lastEOF = false
	t.openErrLogged = false

	// Later opens always follow a rotation and start at offset 0.
	t.openAtBegin = true
	return nil
}

// statPath reports whether the path is gone or now names a different inode.
func (t *Tailer) statPath() (gone, rotated bool) {
	var st unix.Stat_t
	if err := unix.Stat(t.path, &st); err != nil {
		return true, false
	}
	return false, st.Ino != t.inode
}

// checkTruncation resets to offset 0 when the open file shrank below the
// stored position.
func (t *Tailer) checkTruncation() {
	fi, err := t.file.Stat()
	if err != nil {
		return
	}
	if fi.Size() < t.pos {
		if _, err := t.file.Seek(0, io.SeekStart); err == nil {
			t.pos = 0
			t.partial = nil
			t.reader.Reset(t.file)
		}
	}
}

// writePosition overwrites the 29-byte marker with the current inode and
// offset, truncating and syncing the file.
func (t *Tailer) writePosition() error {
	f, err := os.OpenFile(t.positionPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, positionFormat, t.inode, t.pos); err != nil {
		return err
	}
	return f.Sync()
}

// readPosition parses a marker file back into (inode, offset).
func readPosition(path string) (uint64, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	var inode uint64
	var pos int64
	if _, err := fmt.Sscanf(string(data), "%d:%d", &inode, &pos); err != nil {
		return 0, 0, fmt.Errorf("malformed position marker %q: %w", path, err)
	}
	return inode, pos, nil
}

// closeFile drops the open handle; the next pull reopens.
func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
	t.partial = nil
	t.lastEOF = false
}

// Close releases the tailer's handle.
func (t *Tailer) Close() error {
	t.closeFile()
	return nil
}

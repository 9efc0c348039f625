package compress

import (
	"fmt"
	"io"
	"os/exec"
	"time"
)

// no Go implementation of lzop exists, the encoder is the local binary.

func lzopAvailable() bool {
	_, err := exec.LookPath("lzop")
	return err == nil
}

type lzopWriter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newLzopWriter(w io.Writer) (*lzopWriter, error) {
	path, err := exec.LookPath("lzop")
	if err != nil {
		return nil, fmt.Errorf("lzop compression: %w", err)
	}
	cmd := exec.Command(path, "-c")
	cmd.Stdout = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting lzop: %w", err)
	}
	return &lzopWriter{cmd: cmd, stdin: stdin}, nil
}

func (l *lzopWriter) Write(p []byte) (int, error) {
	return l.stdin.Write(p)
}

func (l *lzopWriter) Close() error {
	if err := l.stdin.Close(); err != nil {
		_ = l.cmd.Wait()
		return err
	}
	if err := l.cmd.Wait(); err != nil {
		return fmt.Errorf("lzop: %w", err)
	}
	return nil
}

type lzopReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newLzopReader(r io.Reader) (*lzopReader, error) {
	path, err := exec.LookPath("lzop")
	if err != nil {
		return nil, fmt.Errorf("lzop decompression: %w", err)
	}
	cmd := exec.Command(path, "-dc")
	cmd.Stdin = r
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting lzop: %w", err)
	}
	return &lzopReader{cmd: cmd, stdout: stdout}, nil
}

func (l *lzopReader) Read(p []byte) (int, error) {
	return l.stdout.Read(p)
}

// Close stops lzop if the output was abandoned and reaps it.
func (l *lzopReader) Close() error {
	_ = l.stdout.Close()
	if err := l.cmd.Wait(); err != nil {
		return fmt.Errorf("lzop: %w", err)
	}
	return nil
}

package zfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
)

const binary = "zfs"

// CLI drives the zfs binary through a transport session.
type CLI struct {
	session transport.Session
}

func NewCLI(s transport.Session) *CLI {
	return &CLI{session: s}
}

func (c *CLI) ListDatasets(ctx context.Context, root dataset.Path) ([]dataset.Path, error) {
	out, err := c.session.Output(ctx, binary, "list", "-H", "-r", "-o", "name", "-t", "filesystem,volume", root.String())
	if err != nil {
		return nil, classify(err)
	}
	var paths []dataset.Path
	for _, fields := range parseTable(out) {
		paths = append(paths, dataset.Path(fields[0]))
	}
	return paths, nil
}

func (c *CLI) ListSnapshots(ctx context.Context, ds dataset.Path) ([]snapshot.Snapshot, error) {
	out, err := c.session.Output(ctx, binary, "list", "-H", "-p", "-d", "1", "-t", "snapshot",
		"-o", "name,creation", "-s", "creation", ds.String())
	if err != nil {
		return nil, classify(err)
	}
	return parseSnapshots(out)
}

func (c *CLI) CreateSnapshot(ctx context.Context, ds dataset.Path, name string) error {
	_, err := c.session.Output(ctx, binary, "snapshot", ds.String()+"@"+name)
	return classify(err)
}

func (c *CLI) DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	_, err := c.session.Output(ctx, binary, "destroy", snap.FullName())
	return classify(err)
}

func (c *CLI) Send(ctx context.Context, snap snapshot.Snapshot, opts SendOptions) (io.ReadCloser, error) {
	return c.session.Stream(ctx, opts.Codec, sendArgs(snap, opts)...)
}

func (c *CLI) Receive(ctx context.Context, ds dataset.Path, stream io.Reader, opts ReceiveOptions) (int64, error) {
	n, err := c.session.Pipe(ctx, stream, opts.Codec, receiveArgs(ds, opts)...)
	return n, classify(err)
}

func (c *CLI) Exists(ctx context.Context, ds dataset.Path) (bool, error) {
	_, err := c.session.Output(ctx, binary, "list", "-H", "-o", "name", ds.String())
	if err == nil {
		return true, nil
	}
	if err = classify(err); errors.Is(err, ErrDatasetNotFound) {
		return false, nil
	}
	return false, err
}

func sendArgs(snap snapshot.Snapshot, opts SendOptions) []string {
	args := []string{binary, "send"}
	if opts.Raw {
		args = append(args, "-w")
	}
	if opts.Base != nil {
		flag := "-i"
		if opts.Intermediates {
			flag = "-I"
		}
		args = append(args, flag, opts.Base.FullName())
	}
	return append(args, snap.FullName())
}

func receiveArgs(ds dataset.Path, opts ReceiveOptions) []string {
	args := []string{binary, "receive"}
	if opts.Force {
		args = append(args, "-F")
	}
	if opts.NoMount {
		args = append(args, "-u")
	}
	return append(args, ds.String())
}

// classify maps well-known stderr messages to sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *transport.CommandError
	if !errors.As(err, &ce) {
		return err
	}
	switch {
	case strings.Contains(ce.Stderr, "does not exist"):
		return fmt.Errorf("%w: %w", ErrDatasetNotFound, err)
	case strings.Contains(ce.Stderr, "dataset is busy"):
		return fmt.Errorf("%w: %w", ErrDatasetBusy, err)
	}
	return err
}

func parseTable(out []byte) [][]string {
	var rows [][]string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}

func parseSnapshots(out []byte) ([]snapshot.Snapshot, error) {
	var snaps []snapshot.Snapshot
	for _, fields := range parseTable(out) {
		if len(fields) < 2 {
			return nil, fmt.Errorf("unexpected zfs list output %q", strings.Join(fields, "\t"))
		}
		ds, name, ok := strings.Cut(fields[0], "@")
		if !ok {
			return nil, fmt.Errorf("not a snapshot: %q", fields[0])
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing creation of %s: %w", fields[0], err)
		}
		snaps = append(snaps, snapshot.Snapshot{
			Dataset: dataset.Path(ds),
			Name:    name,
			Created: time.Unix(secs, 0).UTC(),
		})
	}
	return snaps, nil
}

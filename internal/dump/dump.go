// Package dump implements the Dump/Restore streamer (spec §4.9): the
// Dump{}/DumpHeader/DumpBlock+/CommandComplete sequence on the way out,
// and the precondition-checked Restore{header}/RestoreReady/RestoreBlock+/
// RestoreEOF/CommandComplete sequence on the way in, framed into the
// documented container format. Grounded on internal/query's Prepare/
// Execute shape for how a single command-lock-held sequence threads
// through the Duplexer: a Subscribe callback accumulates the streamed
// payloads while a single DuplexAndSync call awaits the terminal
// message.
package dump

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// containerMagic is the dump container's fixed preamble (spec §6:
// "magic header \xFF + 'EDGEDB\0' + 'DUMP\0'").
var containerMagic = append([]byte{0xFF}, append([]byte("EDGEDB\x00"), []byte("DUMP\x00")...)...)

// containerVersion is this implementation's container format version.
const containerVersion uint64 = 1

// Manifest is the operational summary written alongside a dump as
// "<output>.manifest.yaml": how many blocks it contains, their total
// size, each block's checksum, and how long the dump took.
type Manifest struct {
	Version        uint64        `yaml:"version"`
	BlockCount     int           `yaml:"block_count"`
	TotalBytes     int64         `yaml:"total_bytes"`
	BlockChecksums []string      `yaml:"block_checksums"`
	Duration       time.Duration `yaml:"duration"`
}

// Dump runs the Dump sequence on c and writes the resulting container
// to w (spec §4.9's Dump paragraph): acquire the command lock, send
// Dump{}+Sync, write the DumpHeader once it arrives, then write each
// DumpBlock as it streams in, until CommandComplete. Returns a Manifest
// describing what was written.
func Dump(ctx context.Context, c *conn.Connection, w io.Writer) (Manifest, error) {
	c.Lock()
	defer c.Unlock()

	start := time.Now()
	d := c.Duplexer()

	var (
		headerWritten bool
		writeErr      error
		manifest      Manifest
	)
	manifest.Version = containerVersion

	cancel := d.Subscribe(func(msg protocol.Message) {
		if writeErr != nil {
			return
		}
		switch msg.Tag {
		case protocol.ServerDumpHeader:
			if headerWritten {
				return
			}
			headerWritten = true
			writeErr = writeContainerPreamble(w, msg.Payload)
		case protocol.ServerDumpBlock:
			sum := sha1.Sum(msg.Payload)
			if err := writeBlock(w, msg.Payload, sum[:]); err != nil {
				writeErr = err
				return
			}
			manifest.BlockCount++
			manifest.TotalBytes += int64(len(msg.Payload))
			manifest.BlockChecksums = append(manifest.BlockChecksums, fmt.Sprintf("%x", sum))
		}
	})
	defer cancel()

	if _, err := d.DuplexAndSync(ctx, protocol.ClientDump, nil, func(m protocol.Message) bool {
		return m.Tag == protocol.ServerCommandComplete
	}); err != nil {
		return manifest, fmt.Errorf("dump: %w", err)
	}
	if writeErr != nil {
		return manifest, fmt.Errorf("dump: writing container: %w", writeErr)
	}
	if !headerWritten {
		return manifest, &ChecksumMismatchError{BlockIndex: -1}
	}

	manifest.Duration = time.Since(start)
	return manifest, nil
}

// writeContainerPreamble writes the magic, version, and length-prefixed
// header that open a dump container.
func writeContainerPreamble(w io.Writer, header []byte) error {
	if _, err := w.Write(containerMagic); err != nil {
		return err
	}
	ver := protocol.NewWriter()
	ver.PutU64(containerVersion)
	if _, err := w.Write(ver.Bytes()); err != nil {
		return err
	}
	hw := protocol.NewWriter()
	hw.PutLenBytes(header)
	_, err := w.Write(hw.Bytes())
	return err
}

// writeBlock appends one length-prefixed block: payload followed by its
// 20-byte SHA-1, with the length prefix covering both (spec §6: "each
// block's content includes a 20-byte SHA-1 of its payload").
func writeBlock(w io.Writer, payload, checksum []byte) error {
	bw := protocol.NewWriter()
	bw.PutU32(uint32(len(payload) + len(checksum)))
	bw.PutBytes(payload)
	bw.PutBytes(checksum)
	_, err := w.Write(bw.Bytes())
	return err
}

// DumpToFile runs Dump against the file at path, then writes a
// "<path>.manifest.yaml" sidecar describing the run (spec §3's "[ADDED]"
// manifest sidecar).
func DumpToFile(ctx context.Context, c *conn.Connection, path string) (Manifest, error) {
	f, err := os.Create(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("dump: creating %s: %w", path, err)
	}
	defer f.Close()

	manifest, err := Dump(ctx, c, f)
	if err != nil {
		return manifest, err
	}
	if err := writeManifest(path+".manifest.yaml", manifest); err != nil {
		return manifest, fmt.Errorf("dump: writing manifest: %w", err)
	}
	return manifest, nil
}

// readContainerPreamble validates the magic and version and returns the
// header blob, used by Restore.
func readContainerPreamble(r io.Reader) (header []byte, err error) {
	magic := make([]byte, len(containerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("dump: reading magic: %w", err)
	}
	if !bytes.Equal(magic, containerMagic) {
		return nil, fmt.Errorf("dump: not a dump container (bad magic)")
	}

	verBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, verBuf); err != nil {
		return nil, fmt.Errorf("dump: reading version: %w", err)
	}
	version := protocol.NewReader(verBuf)
	v, _ := version.U64()
	if v != containerVersion {
		return nil, fmt.Errorf("dump: unsupported container version %d", v)
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("dump: reading header length: %w", err)
	}
	n := protocol.NewReader(lenBuf)
	hlen, _ := n.U32()
	header = make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("dump: reading header: %w", err)
	}
	return header, nil
}

// readBlock reads one length-prefixed block and verifies its trailing
// SHA-1 against its payload, returning the payload alone.
func readBlock(r io.Reader, index int) (payload []byte, eof bool, err error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if err == io.EOF {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("dump: reading block %d length: %w", index, err)
	}
	n := protocol.NewReader(lenBuf)
	blen, _ := n.U32()
	if blen < sha1.Size {
		return nil, false, fmt.Errorf("dump: block %d shorter than its checksum", index)
	}

	content := make([]byte, blen)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, false, fmt.Errorf("dump: reading block %d: %w", index, err)
	}

	payload = content[:len(content)-sha1.Size]
	wantSum := content[len(content)-sha1.Size:]
	gotSum := sha1.Sum(payload)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, false, &ChecksumMismatchError{BlockIndex: index}
	}
	return payload, false, nil
}

// writeManifest marshals m as YAML to path.
func writeManifest(path string, m Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

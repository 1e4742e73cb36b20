package dump

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jeelkantaria/gelclient/internal/conn"
	"github.com/jeelkantaria/gelclient/internal/protocol"
	"github.com/jeelkantaria/gelclient/internal/query"
)

// preconditionQuery counts non-builtin modules plus default::* objects,
// matching spec §4.9's "count(non-builtin modules) + count(default::*
// objects) == 0" precondition.
const preconditionQuery = `
	select count(
		(select schema::Module filter not .builtin)
	) + count(
		(select schema::Object filter .name like 'default::%')
	)
`

// Restore reads a dump container from r and replays it onto c: check
// the DatabaseNotEmpty precondition, then send Restore{header}+Sync,
// await RestoreReady, stream every block, send RestoreEOF+Sync, and
// await CommandComplete (spec §4.9's Restore paragraph).
func Restore(ctx context.Context, c *conn.Connection, r io.Reader) error {
	if err := checkDatabaseEmpty(ctx, c); err != nil {
		return err
	}

	header, err := readContainerPreamble(r)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()
	d := c.Duplexer()

	rw := protocol.NewWriter()
	rw.PutLenBytes(header)
	if _, err := d.DuplexAndSync(ctx, protocol.ClientRestore, rw.Bytes(), func(m protocol.Message) bool {
		return m.Tag == protocol.ServerRestoreReady
	}); err != nil {
		return fmt.Errorf("dump: restore: %w", err)
	}

	index := 0
	for {
		payload, eof, err := readBlock(r, index)
		if err != nil {
			return err
		}
		if eof {
			break
		}
		if err := d.Send(protocol.ClientRestoreBlock, payload); err != nil {
			return fmt.Errorf("dump: restore: sending block %d: %w", index, err)
		}
		index++
	}

	if _, err := d.DuplexAndSync(ctx, protocol.ClientRestoreEOF, nil, func(m protocol.Message) bool {
		return m.Tag == protocol.ServerCommandComplete
	}); err != nil {
		return fmt.Errorf("dump: restore: finalizing: %w", err)
	}
	return nil
}

// checkDatabaseEmpty runs the DatabaseNotEmpty precondition query
// through the Query Engine (spec §4.9's "precondition check... via a
// query"), ahead of Restore's own command-lock scope so query.Execute's
// own locking doesn't deadlock against it.
func checkDatabaseEmpty(ctx context.Context, c *conn.Connection) error {
	rows, err := query.Execute(ctx, c, query.Request{
		Command:     preconditionQuery,
		Cardinality: query.One,
	})
	if err != nil {
		return fmt.Errorf("dump: restore precondition check: %w", err)
	}
	count, ok := rows[0].(int64)
	if !ok {
		return fmt.Errorf("dump: restore precondition check: unexpected result type %T", rows[0])
	}
	if count != 0 {
		return &DatabaseNotEmptyError{Count: count}
	}
	return nil
}

// RestoreFromFile opens path and runs Restore against it.
func RestoreFromFile(ctx context.Context, c *conn.Connection, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dump: opening %s: %w", path, err)
	}
	defer f.Close()
	return Restore(ctx, c, f)
}

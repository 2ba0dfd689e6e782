package scrub

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// restoreSchema recreates the client database's structure (tables,
// indexes, triggers) at dst without carrying over a single row. The
// owning service finds the schema it expects on its next open while the
// historical client records are gone.
func restoreSchema(src, dst string) error {
	in, err := sqlx.Connect("sqlite", src)
	if err != nil {
		return fmt.Errorf("scrub: open backup db %s: %w", src, err)
	}
	defer in.Close()

	var statements []string
	err = in.Select(&statements,
		`SELECT sql FROM sqlite_master WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("scrub: read schema from %s: %w", src, err)
	}

	out, err := sqlx.Connect("sqlite", dst)
	if err != nil {
		return fmt.Errorf("scrub: create db %s: %w", dst, err)
	}
	defer out.Close()

	for _, stmt := range statements {
		if _, err := out.Exec(stmt); err != nil {
			return fmt.Errorf("scrub: replay schema statement: %w", err)
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// hookRunner executes hook SQL files against the sink.
type hookRunner struct {
	fs    afero.Fs
	cfg   *Config
	sink  Sink
	runID string
}

// run reads each SQL file of a phase, expands {{run_id}}, and executes every
// statement in order. The first failing statement aborts the run.
func (h *hookRunner) run(ctx context.Context, phase string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	log.WithFields(log.Fields{"phase": phase, "files": len(files)}).Info("running hooks")

	for _, f := range files {
		data, err := afero.ReadFile(h.fs, h.cfg.resolvePath(f))
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		sql := strings.ReplaceAll(string(data), "{{run_id}}", h.runID)
		stmts := splitStatements(sql, h.sink.Dialect().Literal)

		log.WithFields(log.Fields{"phase": phase, "file": f, "statements": len(stmts)}).Debug("executing hook file")
		for i, stmt := range stmts {
			if err := h.sink.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("hook %s: %s: statement %d: %w\nSQL: %s", phase, f, i+1, err, stmt)
			}
		}
	}
	return nil
}

// splitStatements cuts hook SQL into statements on semicolons that sit
// outside quotes, comments and (Postgres only) dollar-quoted bodies. Each
// statement keeps its leading comments; empty statements are dropped.
func splitStatements(sql string, d literalDialect) []string {
	sp := statementSplitter{backslashEscapes: d.BackslashEscapes, postgres: d.DollarQuotes}

	var stmts []string
	start := 0
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == ';':
			if stmt := strings.TrimSpace(sql[start:i]); stmt != "" {
				stmts = append(stmts, stmt)
			}
			i++
			start = i
		case c == '\'' || c == '"' || c == '`':
			i = sp.skipQuoted(sql, i)
		case strings.HasPrefix(sql[i:], "--"):
			i = skipLine(sql, i)
		case strings.HasPrefix(sql[i:], "/*"):
			i = sp.skipBlockComment(sql, i)
		case c == '$' && sp.postgres:
			if tag, ok := parseDollarTag(sql, i); ok {
				i = skipDollarQuoted(sql, i, tag)
			} else {
				i++
			}
		default:
			i++
		}
	}
	if stmt := strings.TrimSpace(sql[start:]); stmt != "" {
		stmts = append(stmts, stmt)
	}
	return stmts
}

type statementSplitter struct {
	backslashEscapes bool
	postgres         bool
}

// skipQuoted returns the offset just past the quoted run opened at i. A
// doubled quote character stays inside the run; an unterminated run ends
// the input.
func (sp statementSplitter) skipQuoted(sql string, i int) int {
	q := sql[i]
	for j := i + 1; j < len(sql); j++ {
		switch {
		case sql[j] == '\\' && sp.backslashEscapes && q != '`':
			j++
		case sql[j] == q:
			if j+1 < len(sql) && sql[j+1] == q {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(sql)
}

// skipBlockComment returns the offset just past the comment opened at i.
// Only Postgres nests block comments.
func (sp statementSplitter) skipBlockComment(sql string, i int) int {
	depth := 0
	for j := i; j+1 < len(sql); j++ {
		switch {
		case sql[j] == '/' && sql[j+1] == '*' && (depth == 0 || sp.postgres):
			depth++
			j++
		case sql[j] == '*' && sql[j+1] == '/':
			depth--
			j++
			if depth == 0 {
				return j + 1
			}
		}
	}
	return len(sql)
}

func skipLine(sql string, i int) int {
	if n := strings.IndexByte(sql[i:], '\n'); n >= 0 {
		return i + n + 1
	}
	return len(sql)
}

func skipDollarQuoted(sql string, i int, tag string) int {
	body := i + len(tag)
	if n := strings.Index(sql[body:], tag); n >= 0 {
		return body + n + len(tag)
	}
	return len(sql)
}

// parseDollarTag reads a $$ or $tag$ opener at i.
func parseDollarTag(sql string, i int) (string, bool) {
	j := i + 1
	if j < len(sql) && sql[j] == '$' {
		return "$$", true
	}
	if j >= len(sql) || !isDollarTagStart(sql[j]) {
		return "", false
	}
	for j < len(sql) && isDollarTagChar(sql[j]) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func isDollarTagStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDollarTagChar(c byte) bool {
	return isDollarTagStart(c) || (c >= '0' && c <= '9')
}

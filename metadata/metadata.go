// Package metadata renders a machine class's setup_template directory into a
// cloud-init seed ISO, substituting <NAME> tokens along the way.
package metadata

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kdomanski/iso9660"
)

const cidataLabel = "CIDATA"

// tokenPattern matches a literal <NAME> placeholder: angle brackets around
// one or more uppercase letters, digits or underscores.
var tokenPattern = regexp.MustCompile(`<[A-Z0-9_]+>`)

// substitute scans content once for <NAME> tokens and replaces each with
// its looked-up value. Because ReplaceAllFunc consults content's original
// bytes for every match rather than re-running over already-substituted
// output, a replacement value that itself contains "<OTHER>" is never
// expanded — single pass, order-independent of params' iteration order.
// Unknown tokens are left as-is.
func substitute(content []byte, params map[string]string) []byte {
	return tokenPattern.ReplaceAllFunc(content, func(tok []byte) []byte {
		name := string(tok[1 : len(tok)-1])
		if value, ok := params[name]; ok {
			return []byte(value)
		}
		return tok
	})
}

// Render walks templateDir, substitutes every <NAME> token recognized in
// params against each file's content (single-pass: replacement values are
// never re-scanned for further tokens), and packages the resulting tree into
// a cloud-init NoCloud seed ISO written to destPath.
//
// Unknown tokens are left literal; templateDir's directory structure is
// preserved in the ISO.
func Render(templateDir string, params map[string]string, destPath string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup() //nolint:errcheck

	err = filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}

		raw, err := os.ReadFile(path) //nolint:gosec // operator-controlled template tree
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rendered := substitute(raw, params)

		isoPath := strings.ReplaceAll(rel, string(filepath.Separator), "/")
		if err := writer.AddFile(bytes.NewReader(rendered), isoPath); err != nil {
			return fmt.Errorf("add %s to iso: %w", isoPath, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk template dir %s: %w", templateDir, err)
	}

	out, err := os.Create(destPath) //nolint:gosec // internal run-scoped path
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer out.Close() //nolint:errcheck

	if err := writer.WriteTo(out, cidataLabel); err != nil {
		return fmt.Errorf("write iso %s: %w", destPath, err)
	}
	return out.Close()
}

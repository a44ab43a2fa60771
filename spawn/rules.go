package spawn

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Rules holds the two lookup tables consulted when a module has to be started.
// Spawn maps a module name to its launch command line. Login maps a host name
// to the remote login identity used to reach it.
type Rules struct {
	Spawn map[string]string
	Login map[string]string
}

// ParseTable reads a line oriented "name value..." table. Everything after a
// '#' is a comment, blank lines are skipped and the value is the rest of the
// line with surrounding blanks removed. Later lines override earlier ones.
func ParseTable(r io.Reader) (map[string]string, error) {
	table := make(map[string]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		name, value := text, ""
		if j := strings.IndexAny(text, " \t"); j >= 0 {
			name, value = text[:j], strings.TrimSpace(text[j+1:])
		}
		if value == "" {
			return nil, fmt.Errorf("line %d: %q has no value", line, name)
		}
		table[name] = value
	}
	return table, sc.Err()
}

func loadTable(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadRules reads both tables. An empty path yields an empty table.
func LoadRules(spawnPath, loginPath string) (*Rules, error) {
	s, err := loadTable(spawnPath)
	if err != nil {
		return nil, fmt.Errorf("spawn rules: %w", err)
	}
	l, err := loadTable(loginPath)
	if err != nil {
		return nil, fmt.Errorf("login rules: %w", err)
	}
	return &Rules{Spawn: s, Login: l}, nil
}

// Command builds the argument vector starting module name on host. A
// non-empty host wraps the command in the remote shell, logging in with the
// identity from the login table when there is one.
func (r *Rules) Command(name, host, remoteShell string, extraArgs ...string) ([]string, bool) {
	line, ok := r.Spawn[name]
	if !ok {
		return nil, false
	}
	argv := append(strings.Fields(line), extraArgs...)
	if host == "" {
		return argv, true
	}
	wrapped := []string{remoteShell}
	if login, ok := r.Login[host]; ok {
		wrapped = append(wrapped, "-l", login)
	}
	wrapped = append(wrapped, host)
	return append(wrapped, argv...), true
}

// Package phpconfig reads and edits Nextcloud's config.php without disturbing the
// parts of the file it does not touch.
package phpconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/fgeck/nextcloud-restore/internal/models"
)

// Well-known config keys.
const (
	KeyDBType         = "dbtype"
	KeyDBName         = "dbname"
	KeyDBUser         = "dbuser"
	KeyDBPassword     = "dbpassword"
	KeyDBHost         = "dbhost"
	KeyDBTablePrefix  = "dbtableprefix"
	KeyDataDirectory  = "datadirectory"
	KeyTrustedDomains = "trusted_domains"
	KeyVersion        = "version"
)

// Document is a parsed config.php. Mutations splice the original source and
// re-parse, so comments, key order and quote style survive.
type Document struct {
	src  []byte
	root *node
}

// Parse parses a config.php source.
func Parse(src []byte) (*Document, error) {
	root, err := parseConfig(src)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArchive, err, "failed to parse config.php")
	}
	return &Document{src: append([]byte(nil), src...), root: root}, nil
}

// LoadFile reads and parses a config.php from disk.
func LoadFile(path string) (*Document, error) {
	src, err := os.ReadFile(path) //nolint:gosec // path is a config.php we extracted
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, err, "failed to read config.php")
	}
	return Parse(src)
}

// SaveFile writes the document back atomically, keeping the existing file mode.
func (d *Document) SaveFile(path string) error {
	mode := os.FileMode(0o640)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config.php.*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "failed to write config.php")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(d.src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return apperr.Wrap(apperr.KindIO, err, "failed to write config.php")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return apperr.Wrap(apperr.KindIO, err, "failed to write config.php")
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return apperr.Wrap(apperr.KindIO, err, "failed to write config.php")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return apperr.Wrap(apperr.KindIO, err, "failed to replace config.php")
	}
	return nil
}

// Bytes returns the current source.
func (d *Document) Bytes() []byte {
	return append([]byte(nil), d.src...)
}

func (d *Document) lookup(key string) *entry {
	for i := range d.root.entries {
		if d.root.entries[i].keyName() == key {
			return &d.root.entries[i]
		}
	}
	return nil
}

// Get returns a top-level scalar. Strings are unescaped; numbers, booleans and
// other expressions are returned as written.
func (d *Document) Get(key string) (string, bool) {
	e := d.lookup(key)
	if e == nil || e.value.kind == nodeArray {
		return "", false
	}
	return e.value.str, true
}

// Keys returns top-level keys in file order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.root.entries))
	for _, e := range d.root.entries {
		keys = append(keys, e.keyName())
	}
	return keys
}

// Config extracts the semantic record, applying read-side normalization.
func (d *Document) Config() (models.NextcloudConfig, error) {
	var cfg models.NextcloudConfig
	raw, ok := d.Get(KeyDBType)
	if !ok {
		return cfg, apperr.New(apperr.KindInvalidArchive, "config.php has no dbtype")
	}
	dbType, err := models.ParseDBType(raw)
	if err != nil {
		return cfg, apperr.Wrap(apperr.KindInvalidArchive, err, "config.php has an unsupported dbtype")
	}
	cfg.DBType = dbType
	cfg.DBName, _ = d.Get(KeyDBName)
	cfg.DBUser, _ = d.Get(KeyDBUser)
	cfg.DBPassword, _ = d.Get(KeyDBPassword)
	cfg.DBHost, _ = d.Get(KeyDBHost)
	cfg.DBTablePrefix, _ = d.Get(KeyDBTablePrefix)
	cfg.DataDirectory, _ = d.Get(KeyDataDirectory)
	cfg.Version, _ = d.Get(KeyVersion)
	cfg.TrustedDomains = d.TrustedDomains()
	return cfg, nil
}

// TrustedDomains returns trusted_domains trimmed and de-duplicated, in file order.
func (d *Document) TrustedDomains() []string {
	e := d.lookup(KeyTrustedDomains)
	if e == nil || e.value.kind != nodeArray {
		return nil
	}
	var raw []string
	for _, item := range e.value.entries {
		if item.value.kind == nodeString {
			raw = append(raw, item.value.str)
		}
	}
	return normalizeDomains(raw)
}

func normalizeDomains(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// SetString sets a top-level string value. An existing value keeps its quote
// character; a missing key is appended to the end of the array.
func (d *Document) SetString(key, value string) error {
	if e := d.lookup(key); e != nil {
		q := byte('\'')
		if e.value.kind == nodeString {
			q = e.value.quote
		}
		return d.splice(e.value.start, e.value.end, quote(value, q))
	}
	return d.appendEntry(key, func(string) string { return quote(value, d.preferredQuote()) })
}

// SetTrustedDomains replaces trusted_domains with domains, rendered as an
// indexed array with ascending keys.
func (d *Document) SetTrustedDomains(domains []string) error {
	for _, domain := range domains {
		if err := ValidateTrustedDomain(domain); err != nil {
			return err
		}
	}
	domains = normalizeDomains(domains)

	if e := d.lookup(KeyTrustedDomains); e != nil {
		q := d.preferredQuote()
		opener, closer := "array (", ")"
		multiline := true
		if e.value.kind == nodeArray {
			if len(e.value.entries) > 0 && e.value.entries[0].value.kind == nodeString {
				q = e.value.entries[0].value.quote
			}
			opener = string(d.src[e.value.start:e.value.openEnd])
			closer = string(d.src[e.value.closeStart:e.value.end])
			multiline = bytes.ContainsRune(d.src[e.value.start:e.value.end], '\n')
		}
		indent := lineIndent(d.src, e.value.start)
		return d.splice(e.value.start, e.value.end,
			renderList(domains, q, opener, closer, indent, multiline))
	}

	q := d.preferredQuote()
	return d.appendEntry(KeyTrustedDomains, func(indent string) string {
		return renderList(domains, q, "array (", ")", indent, true)
	})
}

// AddTrustedDomain appends domain if absent. It reports whether the list changed.
// Only domain is validated; existing entries and any comments around them are
// left exactly as written.
func (d *Document) AddTrustedDomain(domain string) (bool, error) {
	domain = strings.TrimSpace(domain)
	if err := ValidateTrustedDomain(domain); err != nil {
		return false, err
	}
	for _, v := range d.TrustedDomains() {
		if v == domain {
			return false, nil
		}
	}

	list := d.trustedList()
	if list == nil {
		return true, d.SetTrustedDomains([]string{domain})
	}
	q := d.preferredQuote()
	if len(list.entries) > 0 && list.entries[0].value.kind == nodeString {
		q = list.entries[0].value.quote
	}
	item := quote(domain, q)
	if key, ok := nextIndex(list); ok {
		item = strconv.Itoa(key) + " => " + item
	}
	return true, d.appendItem(d.trustedList, func(string) string { return item })
}

// ErrLastTrustedDomain is returned when removing the final trusted domain
// without confirmation.
var ErrLastTrustedDomain = errors.New("removing the last trusted domain requires confirmation")

// RemoveTrustedDomain drops domain. Removing the only remaining entry needs
// confirmLast. It reports whether the list changed. Other entries are not
// validated or rewritten.
func (d *Document) RemoveTrustedDomain(domain string, confirmLast bool) (bool, error) {
	current := d.TrustedDomains()
	remaining := 0
	for _, v := range current {
		if v != domain {
			remaining++
		}
	}
	if remaining == len(current) {
		return false, nil
	}
	if remaining == 0 && !confirmLast {
		return false, ErrLastTrustedDomain
	}

	for {
		list := d.trustedList()
		idx := -1
		for i, item := range list.entries {
			if item.value.kind == nodeString && strings.TrimSpace(item.value.str) == domain {
				idx = i
				break
			}
		}
		if idx < 0 {
			return true, nil
		}
		if err := d.removeItem(list, idx); err != nil {
			return false, err
		}
	}
}

// trustedList returns the trusted_domains array node, or nil when the key is
// missing or not an array.
func (d *Document) trustedList() *node {
	e := d.lookup(KeyTrustedDomains)
	if e == nil || e.value.kind != nodeArray {
		return nil
	}
	return e.value
}

// nextIndex returns one past the largest integer key. It reports false when the
// array uses implicit keys, in which case new items are written without one.
func nextIndex(arr *node) (int, bool) {
	next := 0
	for _, item := range arr.entries {
		if item.key == nil {
			return 0, false
		}
		if n, err := strconv.Atoi(item.key.str); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, true
}

// removeItem splices out entry i of arr with its separating comma. A line left
// empty by the removal is dropped as well.
func (d *Document) removeItem(arr *node, i int) error {
	item := arr.entries[i]
	start, end := item.start(), item.value.end

	limit := arr.closeStart
	if i+1 < len(arr.entries) {
		limit = arr.entries[i+1].start()
	}
	if tokens, err := lex(d.src[end:limit]); err == nil && len(tokens) > 0 && tokens[0].kind == tokComma {
		end += tokens[0].end
	}

	lineStart := bytes.LastIndexByte(d.src[:start], '\n') + 1
	if strings.TrimSpace(string(d.src[lineStart:start])) == "" {
		if nl := bytes.IndexByte(d.src[end:], '\n'); nl >= 0 && strings.TrimSpace(string(d.src[end:end+nl])) == "" {
			start, end = lineStart, end+nl+1
		}
	}
	return d.splice(start, end, "")
}

func (d *Document) preferredQuote() byte {
	for _, e := range d.root.entries {
		if e.key != nil && e.key.kind == nodeString {
			return e.key.quote
		}
	}
	return '\''
}

func (d *Document) splice(start, end int, replacement string) error {
	next := make([]byte, 0, len(d.src)-(end-start)+len(replacement))
	next = append(next, d.src[:start]...)
	next = append(next, replacement...)
	next = append(next, d.src[end:]...)

	root, err := parseConfig(next)
	if err != nil {
		return fmt.Errorf("edit produced an unparsable config: %w", err)
	}
	d.src, d.root = next, root
	return nil
}

// appendEntry adds `key => value` as the last element of the root array. render
// receives the indentation of the new entry.
func (d *Document) appendEntry(key string, render func(indent string) string) error {
	k := quote(key, d.preferredQuote())
	return d.appendItem(func() *node { return d.root }, func(indent string) string {
		return k + " => " + render(indent)
	})
}

// appendItem adds render's output as the last element of the array returned by
// locate. locate is called again after every splice since splicing re-parses.
func (d *Document) appendItem(locate func() *node, render func(indent string) string) error {
	arr := locate()
	multiline := bytes.ContainsRune(d.src[arr.openEnd:arr.closeStart], '\n')

	if !multiline {
		sep := " "
		if len(arr.entries) > 0 && !trailingComma(d.src, arr) {
			sep = ", "
		}
		return d.splice(arr.closeStart, arr.closeStart, sep+render(""))
	}

	indent := lineIndent(d.src, arr.start) + "  "
	if len(arr.entries) > 0 {
		indent = lineIndent(d.src, arr.entries[0].start())
	}
	var b strings.Builder
	pos := arr.closeStart
	if len(arr.entries) > 0 && !trailingComma(d.src, arr) {
		last := arr.entries[len(arr.entries)-1].value.end
		if err := d.splice(last, last, ","); err != nil {
			return err
		}
		arr = locate()
		pos = arr.closeStart
	}
	lineStart := bytes.LastIndexByte(d.src[:pos], '\n') + 1
	if strings.TrimSpace(string(d.src[lineStart:pos])) == "" {
		pos = lineStart
	} else {
		b.WriteByte('\n')
	}
	b.WriteString(indent + render(indent) + ",\n")
	return d.splice(pos, pos, b.String())
}

func (e entry) start() int {
	if e.key != nil {
		return e.key.start
	}
	return e.value.start
}

func trailingComma(src []byte, arr *node) bool {
	if len(arr.entries) == 0 {
		return false
	}
	last := arr.entries[len(arr.entries)-1].value.end
	return strings.TrimSpace(stripComments(string(src[last:arr.closeStart]))) == ","
}

func stripComments(s string) string {
	tokens, err := lex([]byte(s))
	if err != nil {
		return s
	}
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(s[t.start:t.end])
	}
	return b.String()
}

// lineIndent returns the leading whitespace of the line containing offset.
func lineIndent(src []byte, offset int) string {
	lineStart := bytes.LastIndexByte(src[:offset], '\n') + 1
	i := lineStart
	for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
		i++
	}
	return string(src[lineStart:i])
}

func renderList(items []string, q byte, opener, closer, indent string, multiline bool) string {
	if len(items) == 0 {
		return opener + closer
	}
	var b strings.Builder
	b.WriteString(opener)
	if multiline {
		b.WriteByte('\n')
		for i, item := range items {
			b.WriteString(indent + "  " + strconv.Itoa(i) + " => " + quote(item, q) + ",\n")
		}
		b.WriteString(indent + closer)
		return b.String()
	}
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(i) + " => " + quote(item, q))
	}
	b.WriteString(closer)
	return b.String()
}

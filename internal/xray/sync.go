package xray

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var ErrAnchorMissing = errors.New("config anchor missing")

// Synchronizer правит общий конфиг xray построчно: файл не является валидным JSON сам по себе
// (это фрагменты сгенерированного документа), поэтому вне сегментов байты не трогаем.
type Synchronizer struct {
	mu sync.Mutex
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{}
}

// InsertSegment вставляет две строки сразу после первой строки, совпавшей с anchor
func (s *Synchronizer) InsertSegment(path string, anchor *regexp.Regexp, header, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrAnchorMissing, path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var b strings.Builder
	b.Grow(len(content) + len(header) + len(data) + 3)
	inserted := false
	for _, line := range splitLines(content) {
		b.WriteString(line)
		if inserted || !anchor.MatchString(trimEOL(line)) {
			continue
		}
		if !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(header)
		b.WriteByte('\n')
		b.WriteString(data)
		b.WriteByte('\n')
		inserted = true
	}
	if !inserted {
		return fmt.Errorf("%w: %s has no line matching %s", ErrAnchorMissing, path, anchor)
	}
	return writeFileAtomic(path, []byte(b.String()))
}

// RemoveSegmentFor удаляет заголовок с полем token и следующую за ним строку.
// Отсутствующий файл или токен: не ошибка, просто changed=false.
func (s *Synchronizer) RemoveSegmentFor(path, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	lines := splitLines(content)
	var b strings.Builder
	b.Grow(len(content))
	changed := false
	for i := 0; i < len(lines); i++ {
		if user, ok := headerToken(trimEOL(lines[i])); ok && user == token {
			changed = true
			i++ // строка клиента идёт сразу за заголовком
			continue
		}
		b.WriteString(lines[i])
	}
	if !changed {
		return false, nil
	}
	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return false, err
	}
	return true, nil
}

// HasSegmentFor сообщает, есть ли в файле заголовок с полем token. Отсутствующий файл: false.
func (s *Synchronizer) HasSegmentFor(path, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	for _, line := range splitLines(content) {
		if user, ok := headerToken(trimEOL(line)); ok && user == token {
			return true, nil
		}
	}
	return false, nil
}

// splitLines режет содержимое на строки, сохраняя терминаторы
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// writeFileAtomic пишет во временный файл рядом, делает fsync и rename
func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

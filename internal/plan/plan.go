// Package plan builds and reasons about a sender's transfer plan: the
// ordered list of files a send will carry, enumerated from the
// filesystem paths the caller named (§3, §4.5 step 1).
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is one file in a transfer plan. DigestHint carries a
// precomputed manifest digest when a caller already knows one; Build
// never populates it (hashing every entry up front would defeat the
// point of a fast directory walk), so it is the zero value for every
// entry this package produces. A zero DigestHint means the receiver's
// resume policy falls back to hashing the on-disk prefix directly
// rather than trusting a manifest-carried digest (§4.6).
type Entry struct {
	RelativePath string
	AbsolutePath string
	Size         int64
	ModTime      time.Time
	DigestHint   [32]byte
}

// Options controls enumeration.
type Options struct {
	// Flat collapses every relative path to its basename (§3's `flat`
	// option), so a directory tree is sent without its structure.
	Flat bool
}

// Build walks each input path (a file or a directory) and returns the
// ordered plan entries. Directories are recursed deterministically:
// entries within a directory are sorted lexicographically before its
// subdirectories are visited, so two runs over an unchanged tree
// always produce the same manifest order.
func Build(paths []string, opts Options) ([]Entry, error) {
	var entries []Entry
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("plan: stat %s: %w", root, err)
		}
		if info.IsDir() {
			walked, err := walkDir(root, opts)
			if err != nil {
				return nil, err
			}
			entries = append(entries, walked...)
			continue
		}
		entries = append(entries, Entry{
			RelativePath: relativeName(filepath.Base(root), opts),
			AbsolutePath: root,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
		})
	}
	return entries, nil
}

func relativeName(name string, opts Options) string {
	if opts.Flat {
		return filepath.Base(name)
	}
	return filepath.ToSlash(name)
}

// walkDir recurses one root directory, visiting entries within each
// directory in sorted order before descending into subdirectories.
func walkDir(root string, opts Options) ([]Entry, error) {
	base := filepath.Base(root)
	var entries []Entry

	var visit func(dir, relPrefix string) error
	visit = func(dir, relPrefix string) error {
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("plan: read dir %s: %w", dir, err)
		}
		sort.Slice(dirEntries, func(i, j int) bool {
			return dirEntries[i].Name() < dirEntries[j].Name()
		})

		var subdirs []os.DirEntry
		for _, de := range dirEntries {
			if de.IsDir() {
				subdirs = append(subdirs, de)
				continue
			}
			info, err := de.Info()
			if err != nil {
				return fmt.Errorf("plan: stat %s: %w", filepath.Join(dir, de.Name()), err)
			}
			rel := filepath.Join(relPrefix, de.Name())
			entries = append(entries, Entry{
				RelativePath: relativeName(rel, opts),
				AbsolutePath: filepath.Join(dir, de.Name()),
				Size:         info.Size(),
				ModTime:      info.ModTime(),
			})
		}
		for _, de := range subdirs {
			if err := visit(filepath.Join(dir, de.Name()), filepath.Join(relPrefix, de.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(root, base); err != nil {
		return nil, err
	}
	return entries, nil
}

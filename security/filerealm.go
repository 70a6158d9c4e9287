// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package security
// realm loaded from file

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"lab.nexedi.com/kirr/go123/xerr"

	"lab.nexedi.com/kirr/entity/internal/log"
)

// realmFile is on-disk format of realm:
//
//	principals:
//	  alice: [teller, admin]
//	  bob:   [teller]
type realmFile struct {
	Principals map[string][]string `yaml:"principals"`
}

// FileRealm is Realm loaded from YAML file.
//
// Use Watch to keep it in sync with the file.
type FileRealm struct {
	*Realm
	path string
}

// OpenFileRealm loads realm from file at path.
func OpenFileRealm(path string) (_ *FileRealm, err error) {
	r := &FileRealm{Realm: &Realm{}, path: path}
	err = r.Reload()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns path of the file this realm was loaded from.
func (r *FileRealm) Path() string { return r.path }

// Reload rereads realm file.
//
// On error the realm is left unchanged.
func (r *FileRealm) Reload() (err error) {
	defer xerr.Contextf(&err, "realm %s: load", r.path)

	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var f realmFile
	err = yaml.Unmarshal(data, &f)
	if err != nil {
		return err
	}

	r.Set(f.Principals)
	return nil
}

// Watch reloads the realm every time its file changes.
//
// It returns when ctx is cancelled, or on watcher failure. A file that fails
// to parse is reported to log and the previous table stays in effect.
func (r *FileRealm) Watch(ctx context.Context) (err error) {
	defer xerr.Contextf(&err, "realm %s: watch", r.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// editors replace files by rename - watch the directory
	dir := filepath.Dir(r.path)
	err = w.Add(dir)
	if err != nil {
		return err
	}

	name := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-w.Errors:
			if err != fsnotify.ErrEventOverflow {
				return err
			}
			// some events were lost - reload unconditionally

		case ev := <-w.Events:
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
		}

		err := r.Reload()
		if err != nil {
			log.Warning(ctx, err)
			continue
		}
		log.V(1).Infof(ctx, "realm %s: reloaded", r.path)
	}
}

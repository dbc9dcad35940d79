package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// sessionsFile persists named session targets for the tail client.
type sessionsFile struct {
	Targets []sessionTarget `toml:"targets"`
}

// sessionTarget binds a display name to a join code and server origin.
type sessionTarget struct {
	Name   string `toml:"name"`
	Code   string `toml:"code"`
	Origin string `toml:"origin"`
}

func loadSessionTargets(path string) (sessionsFile, error) {
	var file sessionsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return sessionsFile{}, fmt.Errorf("sessions load failed (%s): %w", path, err)
	}
	for i, target := range file.Targets {
		if strings.TrimSpace(target.Name) == "" {
			return sessionsFile{}, fmt.Errorf("targets[%d] missing name", i)
		}
		if strings.TrimSpace(target.Code) == "" {
			return sessionsFile{}, fmt.Errorf("targets[%d] missing code", i)
		}
	}
	return file, nil
}

func (f sessionsFile) find(name string) (sessionTarget, bool) {
	name = strings.TrimSpace(name)
	for _, target := range f.Targets {
		if strings.EqualFold(target.Name, name) {
			return target, true
		}
	}
	return sessionTarget{}, false
}

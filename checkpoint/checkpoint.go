// Package checkpoint persists a trainer as a single file holding six
// independently encoded entries, one per model component plus the optimizer.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"vidclip/errs"
	"vidclip/nn"
	"vidclip/optim"
)

// Entry names, in the order they are written.
const (
	Backbone    = "backbone"
	Linear      = "linear"
	Transformer = "transformer"
	QueryEmbed  = "query_embed"
	GroupLinear = "group_linear"
	Optimizer   = "optimizer"
)

// Entries lists every entry a valid checkpoint carries.
var Entries = []string{Backbone, Linear, Transformer, QueryEmbed, GroupLinear, Optimizer}

// File is the decoded artifact: entry name to encoded bundle.
type File map[string][]byte

// EncodeStateDict serializes a component state for one entry.
func EncodeStateDict(sd nn.StateDict) ([]byte, error) {
	var buf bytes.Buffer
	if err := nn.WriteStateDict(&buf, sd); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeStateDict parses an entry written by EncodeStateDict.
func DecodeStateDict(name string, b []byte) (nn.StateDict, error) {
	sd, err := nn.ReadStateDict(bytes.NewReader(b))
	if err != nil {
		return nil, errs.Corrupt("entry %q: %v", name, err)
	}
	return sd, nil
}

// EncodeOptimizer serializes optimizer state.
func EncodeOptimizer(st optim.State) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, errors.Wrap(err, "encode optimizer state")
	}
	return buf.Bytes(), nil
}

// DecodeOptimizer parses the optimizer entry.
func DecodeOptimizer(b []byte) (optim.State, error) {
	var st optim.State
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return optim.State{}, errs.Corrupt("entry %q: %v", Optimizer, err)
	}
	return st, nil
}

// Write stores f at path, creating the parent directory if needed. The file
// is written next to its destination and renamed into place, so a failed
// write never leaves a truncated checkpoint behind.
func Write(path string, f File) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.IO(err, "create checkpoint directory %s", dir)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errs.IO(err, "create checkpoint %s", path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errs.IO(err, "write checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errs.IO(err, "write checkpoint %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.IO(err, "move checkpoint into %s", path)
	}
	return nil
}

// Read loads the artifact at path and checks that every entry is present.
func Read(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO(err, "read checkpoint %s", path)
	}
	var f File
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
		return nil, errs.Corrupt("decode %s: %v", path, err)
	}
	for _, name := range Entries {
		if _, ok := f[name]; !ok {
			return nil, errs.Corrupt("%s has no %q entry", path, name)
		}
	}
	return f, nil
}

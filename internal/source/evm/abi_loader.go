package evm

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// BuiltinABIKey is the map key under which the bundled pledge ABI is registered.
const BuiltinABIKey = "builtin:pledge"

// pledgeABIJSON covers the parts of the pledge contract the feed reads.
const pledgeABIJSON = `[
	{"type":"event","name":"Pledged","anonymous":false,"inputs":[
		{"name":"signer","type":"address","indexed":true},
		{"name":"timestamp","type":"uint256","indexed":false}
	]},
	{"type":"function","name":"pledge_count","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"has_pledged","stateMutability":"view",
	 "inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"pledge_at","stateMutability":"view",
	 "inputs":[{"name":"arg0","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// PledgeABI parses the bundled pledge contract ABI.
func PledgeABI() (*abi.ABI, error) {
	a, err := abi.JSON(strings.NewReader(pledgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse builtin abi: %w", err)
	}
	return &a, nil
}

// LoadABIs loads ABI JSON files from the provided directories. The bundled
// pledge ABI is always present under BuiltinABIKey.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	builtin, err := PledgeABI()
	if err != nil {
		return nil, err
	}
	abis := map[string]*abi.ABI{BuiltinABIKey: builtin}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := abi.JSON(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = &a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// FindEvent searches loaded ABIs for an event with the given name. ABIs from
// abi_dirs win over the bundled one.
func FindEvent(abis map[string]*abi.ABI, eventName string) (*abi.Event, bool) {
	for key, a := range abis {
		if key == BuiltinABIKey {
			continue
		}
		if ev, ok := a.Events[eventName]; ok {
			return &ev, true
		}
	}
	if a, ok := abis[BuiltinABIKey]; ok {
		if ev, ok := a.Events[eventName]; ok {
			return &ev, true
		}
	}
	return nil, false
}

// FindMethod returns the ABI declaring method, preferring ABIs from abi_dirs.
func FindMethod(abis map[string]*abi.ABI, method string) (*abi.ABI, bool) {
	for key, a := range abis {
		if key == BuiltinABIKey {
			continue
		}
		if _, ok := a.Methods[method]; ok {
			return a, true
		}
	}
	if a, ok := abis[BuiltinABIKey]; ok {
		if _, ok := a.Methods[method]; ok {
			return a, true
		}
	}
	return nil, false
}

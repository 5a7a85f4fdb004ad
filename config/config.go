// Package config loads the ambient, non-secret-in-code bits of a dyno
// client: the symmetric key material it should use, and default tree
// shape parameters for the static structures it builds. Nothing in
// this package ever touches a remote store or a wire protocol -
// clients decide themselves how a config file reaches the process.
package config

import (
	"encoding/base64"
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/etclab/dyno/crypto"
)

// ErrInvalidKey is returned when a decoded key is not crypto.KeySize bytes.
var ErrInvalidKey = errors.New("dyno/config: key must be base64 of crypto.KeySize bytes")

// KeyFile is the on-disk shape of a client's key material.
//
//	key: base64-encoded 32 bytes
type KeyFile struct {
	Key string `yaml:"key"`
}

// StaticDefaults holds the default capacity parameters new static ODS
// instances are built with when a caller doesn't override them.
type StaticDefaults struct {
	Capacity   int `yaml:"capacity"`
	ValueBytes int `yaml:"value_bytes"`
}

// LoadKey reads a YAML key file and decodes its base64 key field.
func LoadKey(path string) (crypto.Key, error) {
	var kf KeyFile
	if err := loadYAML(path, &kf); err != nil {
		return crypto.Key{}, err
	}
	return decodeKey(kf.Key)
}

// LoadStaticDefaults reads a YAML file describing default static-ODS
// sizing, applying sensible fallbacks for any field left at zero.
func LoadStaticDefaults(path string) (StaticDefaults, error) {
	var sd StaticDefaults
	if err := loadYAML(path, &sd); err != nil {
		return StaticDefaults{}, err
	}
	if sd.Capacity <= 0 {
		sd.Capacity = 1024
	}
	if sd.ValueBytes <= 0 {
		sd.ValueBytes = 64
	}
	return sd, nil
}

func decodeKey(encoded string) (crypto.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != crypto.KeySize {
		return crypto.Key{}, ErrInvalidKey
	}
	var k crypto.Key
	copy(k[:], raw)
	return k, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

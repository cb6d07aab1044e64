// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package storageprofile describes where a bucket lives and how to reach it.
package storageprofile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderAzure = "azure"
	ProviderFile  = "file"
)

type StorageProfile struct {
	CloudProvider  string `json:"cloud_provider" yaml:"cloud_provider" mapstructure:"provider"`
	Region         string `json:"region" yaml:"region" mapstructure:"region"`
	Role           string `json:"role,omitempty" yaml:"role,omitempty" mapstructure:"role"`
	Bucket         string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	InsecureTLS    bool   `json:"insecure_tls,omitempty" yaml:"insecure_tls,omitempty" mapstructure:"insecure_tls"`
	UsePathStyle   bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty" mapstructure:"use_path_style"`
	StorageAccount string `json:"storage_account,omitempty" yaml:"storage_account,omitempty" mapstructure:"storage_account"`
	// Root is the directory holding one subdirectory per bucket when
	// CloudProvider is "file".
	Root string `json:"root,omitempty" yaml:"root,omitempty" mapstructure:"root"`
}

// Provider returns the normalized cloud provider; an empty value means AWS.
func (p StorageProfile) Provider() string {
	if p.CloudProvider == "" {
		return ProviderAWS
	}
	return strings.ToLower(p.CloudProvider)
}

func (p StorageProfile) Validate() error {
	if p.Bucket == "" {
		return errors.New("bucket is required")
	}
	switch p.Provider() {
	case ProviderAWS, ProviderGCP:
	case ProviderAzure:
		if p.StorageAccount == "" && p.Endpoint == "" {
			return errors.New("azure profiles need a storage account or endpoint")
		}
	case ProviderFile:
		if p.Root == "" {
			return errors.New("file profiles need a root directory")
		}
	default:
		return fmt.Errorf("unsupported cloud provider %q", p.CloudProvider)
	}
	return nil
}

// LoadFile reads a single profile from a YAML file. A filename of the form
// "env:VAR" reads the YAML from that environment variable instead.
func LoadFile(filename string) (StorageProfile, error) {
	var contents []byte
	if envVar, ok := strings.CutPrefix(filename, "env:"); ok {
		v := os.Getenv(envVar)
		if v == "" {
			return StorageProfile{}, fmt.Errorf("environment variable %s is not set", envVar)
		}
		contents = []byte(v)
	} else {
		b, err := os.ReadFile(filename)
		if err != nil {
			return StorageProfile{}, fmt.Errorf("failed to read storage profile from file %s: %w", filename, err)
		}
		contents = b
	}

	var p StorageProfile
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return StorageProfile{}, fmt.Errorf("failed to parse storage profile %s: %w", filename, err)
	}
	return p, p.Validate()
}

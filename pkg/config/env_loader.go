/*
 * Copyright 2025 Hearth Labs.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/hearthlabs/hearthd/pkg/logger"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// EnvLoader populates a config struct from environment variables using
// `env` field tags, falling back to `default` tags. A prefix (e.g.
// "HEARTHD_") is prepended to every variable name.
type EnvLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvLoader creates an environment variable config loader.
func NewEnvLoader(log logger.Logger, prefix string) *EnvLoader {
	return &EnvLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load fills dst from the environment. dst must be a non-nil pointer to
// a struct; fields without an `env` tag are left untouched.
func (e *EnvLoader) Load(dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		name, ok := field.Tag.Lookup("env")
		if !ok || name == "" || name == "-" {
			continue
		}

		raw, found := os.LookupEnv(e.prefix + name)
		if !found {
			raw, found = field.Tag.Lookup("default")
			if !found {
				continue
			}
		}

		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("config: field %s from %s%s: %w", field.Name, e.prefix, name, err)
		}
	}

	if e.logger != nil {
		e.logger.Debug().Str("prefix", e.prefix).Msg("Loaded configuration from environment")
	}

	return nil
}

func setField(f reflect.Value, raw string) error {
	// time.Duration before the generic int path; it is an int64 kind.
	if f.Type() == reflect.TypeOf(time.Duration(0)) {
		if raw == "" {
			return nil
		}

		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		f.SetInt(int64(d))

		return nil
	}

	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		if raw == "" {
			return nil
		}

		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		f.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if raw == "" {
			return nil
		}

		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		f.SetInt(n)
	case reflect.Float64:
		if raw == "" {
			return nil
		}

		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		f.SetFloat(x)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}

	return nil
}

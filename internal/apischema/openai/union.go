// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"fmt"
	"strconv"

	"github.com/modelmux/modelmux/internal/json"
)

// StringOrArray is content that is either a plain string or an array. The
// array form holds text content parts for message content, plain strings for
// stop sequences, or int64 tokens for pre-tokenized embedding input.
type StringOrArray struct {
	Value any
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringOrArray) UnmarshalJSON(data []byte) (err error) {
	s.Value, err = unmarshalStringOrArray(data)
	return
}

// MarshalJSON implements json.Marshaler.
func (s StringOrArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// StringOrUserRoleContentUnion is user message content: a plain string or a
// list of user content parts.
type StringOrUserRoleContentUnion struct {
	Value any
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringOrUserRoleContentUnion) UnmarshalJSON(data []byte) error {
	i := skipLeadingWhitespace(data)
	if i >= len(data) {
		return fmt.Errorf("empty user content")
	}
	switch data[i] {
	case '"':
		v, err := unquoteOrUnmarshalString(data[i:])
		if err != nil {
			return err
		}
		s.Value = v
	case '[':
		var v []ChatCompletionContentPartUserUnionParam
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Value = v
	default:
		return fmt.Errorf("unsupported user content shape: %s", data)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s StringOrUserRoleContentUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// StringOrAssistantRoleContentUnion is assistant message content: a plain
// string, a single structured content object, or a list of them.
type StringOrAssistantRoleContentUnion struct {
	Value any
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringOrAssistantRoleContentUnion) UnmarshalJSON(data []byte) error {
	i := skipLeadingWhitespace(data)
	if i >= len(data) {
		return fmt.Errorf("empty assistant content")
	}
	switch data[i] {
	case '"':
		v, err := unquoteOrUnmarshalString(data[i:])
		if err != nil {
			return err
		}
		s.Value = v
	case '{':
		var v ChatCompletionAssistantMessageParamContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Value = v
	case '[':
		var v []ChatCompletionAssistantMessageParamContent
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		s.Value = v
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("unsupported assistant content shape: %s", data)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s StringOrAssistantRoleContentUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// unmarshalStringOrArray decodes data as a string or as an array whose element
// type is sniffed from the first element: strings, text content parts, or
// int64 tokens.
func unmarshalStringOrArray(data []byte) (any, error) {
	i := skipLeadingWhitespace(data)
	if i >= len(data) {
		return nil, fmt.Errorf("empty content")
	}
	switch data[i] {
	case '"':
		return unquoteOrUnmarshalString(data[i:])
	case '[':
		j := skipLeadingWhitespace(data[i+1:])
		if i+1+j >= len(data) {
			return nil, fmt.Errorf("malformed array: %s", data)
		}
		switch data[i+1+j] {
		case '"':
			var v []string
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		case '{':
			var v []ChatCompletionContentPartTextParam
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		case ']':
			return []string{}, nil
		default:
			var v []int64
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		}
	default:
		return nil, fmt.Errorf("unsupported content shape: %s", data)
	}
}

// unquoteOrUnmarshalString decodes a JSON string, trying strconv.Unquote first
// since most strings contain no escapes.
func unquoteOrUnmarshalString(data []byte) (string, error) {
	if v, err := strconv.Unquote(string(data)); err == nil {
		return v, nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return v, nil
}

// skipLeadingWhitespace returns the index of the first non-whitespace byte.
func skipLeadingWhitespace(data []byte) int {
	i := 0
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

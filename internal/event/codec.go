package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes envelopes for the broker.
type Codec interface {
	Name() string
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(b []byte) (Envelope, error)
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(env Envelope) ([]byte, error) { return json.Marshal(env) }

func (JSONCodec) Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}

// MsgpackCodec is the compact broker encoding.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(env Envelope) ([]byte, error) { return msgpack.Marshal(env) }

func (MsgpackCodec) Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	err := msgpack.Unmarshal(b, &env)
	return env, err
}

// CodecByName returns the codec registered under name; empty means json.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown envelope codec %q", name)
	}
}

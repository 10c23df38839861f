//go:build !zmq
// +build !zmq

package fanout

import (
	"errors"

	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

func openZMQ(cfg Config, codec event.Codec, log logx.Logger) (Bus, error) {
	_ = cfg
	_ = codec
	_ = log
	return nil, errors.New("zmq fanout not built: build with -tags zmq (requires libzmq)")
}

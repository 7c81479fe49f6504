// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// encodeNode converts a Node to JSON bytes for BadgerDB storage.
func encodeNode(node *Node) ([]byte, error) {
	return json.Marshal(node)
}

// decodeNode converts JSON bytes back to a Node.
func decodeNode(data []byte) (*Node, error) {
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	return &node, nil
}

// encodeEdge converts an Edge to JSON bytes for BadgerDB storage.
func encodeEdge(edge *Edge) ([]byte, error) {
	return json.Marshal(edge)
}

// decodeEdge converts JSON bytes back to an Edge.
func decodeEdge(data []byte) (*Edge, error) {
	var edge Edge
	if err := json.Unmarshal(data, &edge); err != nil {
		return nil, fmt.Errorf("unmarshaling edge: %w", err)
	}
	return &edge, nil
}

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %T: %w", v, err)
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %T: %w", v, err)
	}
	return nil
}

// badgerLogger routes BadgerDB's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *zap.Logger) *badgerLogger {
	return &badgerLogger{s: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

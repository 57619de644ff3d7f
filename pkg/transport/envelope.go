package transport

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/message"
)

// toEnvelope maps a transport message onto the broker envelope.
// time-to-be-received and deferred-until become envelope fields and are not
// sent as properties. message-id, correlation-id and content-type are
// mirrored into envelope fields and kept as properties. A message without an
// id gets a new one.
func toEnvelope(msg *message.TransportMessage) (*broker.Message, error) {
	props := make(map[string]string, len(msg.Headers)+1)
	maps.Copy(props, msg.Headers)

	env := &broker.Message{
		Body: append([]byte(nil), msg.Body...),
	}

	if v, ok := props[message.HeaderTimeToBeReceived]; ok {
		delete(props, message.HeaderTimeToBeReceived)
		ttl, err := parseTimeToBeReceived(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header %q: %w", message.HeaderTimeToBeReceived, v, err)
		}
		env.TimeToLive = ttl
	}
	if v, ok := props[message.HeaderDeferredUntil]; ok {
		delete(props, message.HeaderDeferredUntil)
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header %q: %w", message.HeaderDeferredUntil, v, err)
		}
		env.ScheduledEnqueueTime = at.UTC()
	}

	if props[message.HeaderMessageID] == "" {
		props[message.HeaderMessageID] = uuid.NewString()
	}
	env.MessageID = props[message.HeaderMessageID]
	env.CorrelationID = props[message.HeaderCorrelationID]
	env.ContentType = props[message.HeaderContentType]
	env.Subject = props[message.HeaderMessageType]
	env.Properties = props
	return env, nil
}

// fromEnvelope rebuilds the header map of a received message.
func fromEnvelope(rm *broker.ReceivedMessage) *message.TransportMessage {
	headers := make(map[string]string, len(rm.Properties)+1)
	maps.Copy(headers, rm.Properties)
	fill := func(name, value string) {
		if value == "" {
			return
		}
		if _, ok := headers[name]; !ok {
			headers[name] = value
		}
	}
	fill(message.HeaderMessageID, rm.MessageID)
	fill(message.HeaderCorrelationID, rm.CorrelationID)
	fill(message.HeaderContentType, rm.ContentType)
	return &message.TransportMessage{Headers: headers, Body: rm.Body}
}

// parseTimeToBeReceived accepts a Go duration ("90s", "1h30m") or a time span
// of the form [d.]hh:mm:ss[.fraction].
func parseTimeToBeReceived(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	}

	var days int64
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected hh:mm:ss, got %q", s)
	}
	if d, h, ok := strings.Cut(parts[0], "."); ok {
		n, err := strconv.ParseInt(d, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid days %q", d)
		}
		days = n
		parts[0] = h
	}
	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("invalid hours %q", parts[0])
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes %q", parts[1])
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("invalid seconds %q", parts[2])
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CopiesInput(t *testing.T) {
	headers := map[string]string{HeaderMessageID: "id-1"}
	body := []byte("payload")

	m := New(headers, body)
	headers[HeaderMessageID] = "changed"
	body[0] = 'X'

	assert.Equal(t, "id-1", m.MessageID())
	assert.Equal(t, []byte("payload"), m.Body)
}

func TestClone_IsIndependent(t *testing.T) {
	m := New(map[string]string{"a": "1"}, []byte{1, 2, 3})
	c := m.Clone()
	require.NotNil(t, c)

	c.Headers["a"] = "2"
	c.Body[0] = 9

	assert.Equal(t, "1", m.Headers["a"])
	assert.Equal(t, byte(1), m.Body[0])
}

func TestHeader_NilMessage(t *testing.T) {
	var m *TransportMessage
	_, ok := m.Header("x")
	assert.False(t, ok)
	assert.Nil(t, m.Clone())
	assert.Empty(t, m.MessageID())
}

package metashape

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitMQTTDisabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := InitMQTT(nil)
	assert.NoError(t, err)
	assert.Nil(t, client, "MQTT should be disabled without a broker")

	client, err = InitMQTT(&Config{})
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestMQTTClientConnectionState(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithMock(mock, nil)

	assert.False(t, client.IsConnected())

	client.onConnect(mock)
	assert.True(t, client.IsConnected())

	client.onConnectionLost(mock, errors.New("broken pipe"))
	assert.False(t, client.IsConnected())
}

func TestMQTTClientDisconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	client := newMQTTClientWithMock(mock, nil)
	client.setConnected(true)

	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected(), "underlying client should be disconnected")

	// Disconnecting again is a no-op.
	client.Disconnect()
	assert.False(t, client.IsConnected())
}

func TestMQTTClientGetClient(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithMock(mock, nil)
	assert.Equal(t, mock, client.GetClient())
}

func TestMockClientConnect(t *testing.T) {
	mock := NewMockClient()

	token := mock.Connect()
	assert.True(t, token.WaitTimeout(0))
	assert.NoError(t, token.Error())
	assert.True(t, mock.IsConnected())

	t.Run("connect failure", func(t *testing.T) {
		mock := NewMockClient()
		mock.SetConnectError(errors.New("refused"))
		token := mock.Connect()
		assert.Error(t, token.Error())
		assert.False(t, mock.IsConnected())
	})
}

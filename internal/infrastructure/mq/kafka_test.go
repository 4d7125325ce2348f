package mq

import (
	"errors"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":1}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	p := WrapProducer(mock)

	require.NoError(t, p.SendMessage("audit-export", "1", `{"id":1}`))
	require.NoError(t, p.Close())
}

func TestSendMessagesFailsWholeBatchOnError(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndSucceed()
	mock.ExpectSendMessageAndFail(errors.New("leader not available"))
	p := WrapProducer(mock)

	err := p.SendMessages("audit-export", []string{"1", "2"}, []string{"a", "b"})
	assert.EqualError(t, err, "leader not available")
	require.NoError(t, p.Close())
}

package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/camtittle/photosharing-eventbus/invoke"
)

func TestNewRequiresProducer(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrProducerRequired) {
		t.Errorf("expected ErrProducerRequired, got %v", err)
	}
}

func TestInvokeAsync(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":"evt-1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	inv, err := New(producer, WithTopicPrefix("test."))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := inv.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	if inv.Topic("demoSubscriber") != "test.demoSubscriber" {
		t.Errorf("unexpected topic %s", inv.Topic("demoSubscriber"))
	}

	if err := inv.InvokeAsync(context.Background(), "demoSubscriber", []byte(`{"id":"evt-1"}`)); err != nil {
		t.Fatalf("InvokeAsync failed: %v", err)
	}
	if err := inv.InvokeAsync(context.Background(), "demoSubscriber", []byte(`{}`)); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}
}

func TestInvokeUnsupported(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	inv, err := New(producer)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer inv.Close()

	if _, err := inv.Invoke(context.Background(), "publishEvent", nil); !errors.Is(err, invoke.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

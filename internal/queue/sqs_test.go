package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	receiveIn  *sqs.ReceiveMessageInput
	deleteIn   *sqs.DeleteMessageInput
	sendIn     *sqs.SendMessageInput
	messages   []sqstypes.Message
	receiveErr error
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = in
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleteIn = in
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sendIn = in
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

const testQueueURL = "https://sqs.eu-central-1.amazonaws.com/123/r1x"

func TestSQSReceive(t *testing.T) {
	api := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("abc"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(`{"source":"wa"}`),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	q := &SQS{api: api, queueURL: testQueueURL}

	msg, err := q.Receive(context.Background(), 20*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if api.receiveIn.MaxNumberOfMessages != 1 {
		t.Errorf("expected max 1 message, got %d", api.receiveIn.MaxNumberOfMessages)
	}
	if api.receiveIn.WaitTimeSeconds != 20 {
		t.Errorf("expected 20s wait, got %d", api.receiveIn.WaitTimeSeconds)
	}
	if aws.ToString(api.receiveIn.QueueUrl) != testQueueURL {
		t.Errorf("unexpected queue url %s", aws.ToString(api.receiveIn.QueueUrl))
	}
	if msg.ID != "abc" || msg.Receipt != "rh-1" || string(msg.Body) != `{"source":"wa"}` {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.ReceiveCount != 3 {
		t.Errorf("expected receive count 3, got %d", msg.ReceiveCount)
	}
}

func TestSQSReceiveEmpty(t *testing.T) {
	q := &SQS{api: &fakeSQS{}, queueURL: testQueueURL}
	msg, err := q.Receive(context.Background(), time.Second)
	if err != nil || msg != nil {
		t.Errorf("expected (nil, nil), got (%+v, %v)", msg, err)
	}
}

func TestSQSReceiveError(t *testing.T) {
	boom := errors.New("boom")
	q := &SQS{api: &fakeSQS{receiveErr: boom}, queueURL: testQueueURL}
	if _, err := q.Receive(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestSQSDeleteAndSend(t *testing.T) {
	api := &fakeSQS{}
	q := &SQS{api: api, queueURL: testQueueURL}
	ctx := context.Background()

	if err := q.Delete(ctx, "rh-9"); err != nil {
		t.Fatal(err)
	}
	if aws.ToString(api.deleteIn.ReceiptHandle) != "rh-9" {
		t.Errorf("unexpected receipt %s", aws.ToString(api.deleteIn.ReceiptHandle))
	}

	id, err := q.Send(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "m-1" || aws.ToString(api.sendIn.MessageBody) != "hello" {
		t.Errorf("unexpected send id=%s body=%s", id, aws.ToString(api.sendIn.MessageBody))
	}
}

func TestNewSQSRequiresURL(t *testing.T) {
	if _, err := NewSQS(context.Background(), SQSConfig{}); err == nil {
		t.Error("expected error for missing queue url")
	}
}

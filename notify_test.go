package cdnupload

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
)

type mockSNSClient struct {
	PublishRequests []*sns.PublishInput
}

func (c *mockSNSClient) PublishMessage(msg *sns.PublishInput) error {
	c.PublishRequests = append(c.PublishRequests, msg)
	return nil
}

func TestSNSNotifierPublishesErrors(t *testing.T) {
	mockClient := &mockSNSClient{}
	notifier := &SNSNotifier{Client: mockClient, Topic: "mock-topic"}

	source := NewFileSource("/folder1")
	dest := NewFileDestination("/cdn-origin")
	result := &Result{Scanned: 3, Processed: 2, Errors: 1}

	err := notifier.NotifyResult("upload", source, dest, result)
	assert.NoError(t, err)
	assert.Len(t, mockClient.PublishRequests, 1)
	assert.Equal(t, "cdnupload errors: /folder1 -> /cdn-origin", *mockClient.PublishRequests[0].Subject)
	assert.Equal(t, "mock-topic", *mockClient.PublishRequests[0].TopicArn)

	expectedMessage := `Action: upload
Source: /folder1
Destination: /cdn-origin
Scanned: 3
Processed: 2
Errors: 1
`
	assert.Equal(t, expectedMessage, *mockClient.PublishRequests[0].Message)
}

func TestSNSNotifierSkipsCleanRuns(t *testing.T) {
	mockClient := &mockSNSClient{}
	notifier := &SNSNotifier{Client: mockClient, Topic: "mock-topic"}

	source := NewFileSource("/folder1")
	dest := NewFileDestination("/cdn-origin")

	err := notifier.NotifyResult("upload", source, dest, &Result{Scanned: 3, Processed: 3})
	assert.NoError(t, err)
	assert.Empty(t, mockClient.PublishRequests)

	err = notifier.NotifyResult("delete", source, dest, nil)
	assert.NoError(t, err)
	assert.Empty(t, mockClient.PublishRequests)
}

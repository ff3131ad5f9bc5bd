package cdnupload

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// NewSNSNotifier returns a Notifier that publishes run summaries to the
// given SNS topic using the default AWS credential chain.
func NewSNSNotifier(topic string) (Notifier, error) {
	cfg, cfgErr := awsconfig.LoadDefaultConfig(context.TODO())
	if cfgErr != nil {
		return nil, cfgErr
	}
	snsClient := &SNSClient{sns.NewFromConfig(cfg)}
	return &SNSNotifier{Client: snsClient, Topic: topic}, nil
}

type SNSClientIface interface {
	PublishMessage(msg *sns.PublishInput) error
}

type SNSClient struct {
	Client *sns.Client
}

func (s *SNSClient) PublishMessage(msg *sns.PublishInput) error {
	_, publishErr := s.Client.Publish(context.TODO(), msg)
	return publishErr
}

// SNSNotifier publishes a message when a run finishes with per-key errors.
// Runs without errors produce no notification.
type SNSNotifier struct {
	Client SNSClientIface
	Topic  string
}

func (s *SNSNotifier) NotifyResult(action string, source Source, dest Destination, result *Result) error {
	if result == nil || result.Errors == 0 {
		return nil
	}

	notificationBody := fmt.Sprintf("Action: %s\n", action)
	notificationBody += fmt.Sprintf("Source: %s\n", source)
	notificationBody += fmt.Sprintf("Destination: %s\n", dest)
	notificationBody += fmt.Sprintf("Scanned: %d\n", result.Scanned)
	notificationBody += fmt.Sprintf("Processed: %d\n", result.Processed)
	notificationBody += fmt.Sprintf("Errors: %d\n", result.Errors)

	snsPublishReq := &sns.PublishInput{
		Message:  aws.String(notificationBody),
		TopicArn: aws.String(s.Topic),
		Subject:  aws.String(fmt.Sprintf("cdnupload errors: %s -> %s", source, dest)),
	}
	return s.Client.PublishMessage(snsPublishReq)
}

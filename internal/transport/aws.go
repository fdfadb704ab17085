package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/watzon/tether/internal/config"
)

var (
	AWSDefaultConfigLoader = awsconfig.LoadDefaultConfig
	SNSPublisherFactory    = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	SNSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

const localstackAccountID = "000000000000"

// buildAWS publishes to SNS topics and consumes them through one SQS queue
// per topic and subscriber. SNS names only allow letters, digits, '-' and '_',
// so topics are joined with '-'.
func buildAWS(ctx context.Context, cfg config.TransportConfig, opts Options) (Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return Transport{}, err
	}

	accountID := strings.Trim(cfg.AWS.AccountID, "\"' ")
	if accountID == "" && cfg.AWS.Endpoint != "" {
		accountID = localstackAccountID
	}

	topicResolver, err := sns.NewGenerateArnTopicResolver(accountID, awsCfg.Region)
	if err != nil {
		return Transport{}, fmt.Errorf("creating topic resolver: %w", err)
	}

	snsOpts, sqsOpts, err := endpointOverrides(cfg.AWS.Endpoint)
	if err != nil {
		return Transport{}, err
	}

	opts.Logger.Info("Creating AWS transport", watermill.LogFields{
		"account_id":      accountID,
		"region":          awsCfg.Region,
		"custom_endpoint": cfg.AWS.Endpoint != "",
	})

	publisher, err := SNSPublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, opts.Logger)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := SNSSubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        topicResolver,
			GenerateSqsQueueName: queueNameGenerator(opts.SubscriberName),
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		opts.Logger,
	)
	if err != nil {
		publisher.Close()
		return Transport{}, err
	}

	return Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Separator:  "-",
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	return awsCfg, nil
}

func endpointOverrides(endpoint string) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if endpoint == "" {
		return nil, nil, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing AWS endpoint: %w", err)
	}

	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsed},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsed},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func queueNameGenerator(subscriberName string) func(context.Context, sns.TopicArn) (string, error) {
	return func(ctx context.Context, topic sns.TopicArn) (string, error) {
		name, err := sns.ExtractTopicNameFromTopicArn(topic)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s-%s", name, subscriberName), nil
	}
}

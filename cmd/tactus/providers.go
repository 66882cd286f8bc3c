package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"tactus.dev/tactus/features/model/anthropic"
	"tactus.dev/tactus/features/model/bedrock"
	"tactus.dev/tactus/features/model/openai"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/model"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

const defaultAWSRegion = "us-east-1"

// providerFactory builds live model clients from environment credentials.
// Mock runs never reach it, so a missing key only fails procedures that
// actually take live turns.
func providerFactory() runtime.ClientFactory {
	return func(ctx context.Context, spec runtime.AgentSpec) (model.Client, error) {
		switch spec.Provider {
		case "", "openai":
			key := os.Getenv("OPENAI_API_KEY")
			if key == "" {
				return nil, fault.New(fault.KindValidation, "OPENAI_API_KEY is not set; set it or run with --mock")
			}
			return openai.NewFromAPIKey(key, spec.Model)
		case "anthropic":
			key := os.Getenv("ANTHROPIC_API_KEY")
			if key == "" {
				return nil, fault.New(fault.KindValidation, "ANTHROPIC_API_KEY is not set; set it or run with --mock")
			}
			return anthropic.NewFromAPIKey(key, spec.Model)
		case "bedrock":
			return bedrockClient(spec)
		default:
			return nil, fault.New(fault.KindValidation, "unknown provider %q (want openai, anthropic, or bedrock)", spec.Provider)
		}
	}
}

func bedrockClient(spec runtime.AgentSpec) (model.Client, error) {
	access := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if access == "" || secret == "" {
		return nil, fault.New(fault.KindValidation, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not set; set them or run with --mock")
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = defaultAWSRegion
	}
	rc := bedrockruntime.New(bedrockruntime.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     access,
				SecretAccessKey: secret,
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			}, nil
		}),
	})
	return bedrock.New(bedrock.Options{
		Runtime:      rc,
		DefaultModel: spec.Model,
		MaxTokens:    spec.MaxTokens,
		Temperature:  spec.Temperature,
	})
}

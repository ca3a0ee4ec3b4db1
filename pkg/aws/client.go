/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sdk

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"

	"github.com/hostfactory/hostbroker/pkg/metrics"
	"github.com/hostfactory/hostbroker/pkg/utils/project"
)

// Clients bundles the concrete AWS service clients behind the narrowed API
// interfaces. One Clients value backs one provider instance.
type Clients struct {
	Config      aws.Config
	EC2         EC2API
	AutoScaling AutoScalingAPI
	IAM         IAMAPI
	Pricing     PricingAPI
	SSM         SSMAPI
	SQS         SQSAPI
	STS         STSAPI
}

// NewClients loads the default credential chain, instruments the config with
// SDK-level Prometheus metrics, and resolves the region from IMDS when the
// caller does not pin one. The SDK retryer stays at its stock attempt count;
// the strategy engine owns higher-level retries.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	cfg = prometheusv2.WithPrometheusMetrics(WithUserAgent(cfg), metrics.Registry)
	if region != "" {
		cfg.Region = region
	} else if cfg.Region == "" {
		out, err := imds.NewFromConfig(cfg).GetRegion(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving region from instance metadata, %w", err)
		}
		cfg.Region = out.Region
	}
	return &Clients{
		Config:      cfg,
		EC2:         ec2.NewFromConfig(cfg),
		AutoScaling: autoscaling.NewFromConfig(cfg),
		IAM:         iam.NewFromConfig(cfg),
		Pricing:     pricing.NewFromConfig(cfg),
		SSM:         ssm.NewFromConfig(cfg),
		SQS:         sqs.NewFromConfig(cfg),
		STS:         sts.NewFromConfig(cfg),
	}, nil
}

// WithUserAgent adds a hostbroker specific user-agent string to AWS session
func WithUserAgent(cfg aws.Config) aws.Config {
	userAgent := fmt.Sprintf("hostbroker.dev/%s", project.Version)
	cfg.APIOptions = append(cfg.APIOptions,
		awsmiddleware.AddUserAgentKey(userAgent),
	)
	return cfg
}

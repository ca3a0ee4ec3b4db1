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

package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/hostfactory/hostbroker/pkg/utils/atomic"
)

type IAMAPI struct {
	GetInstanceProfileBehavior atomic.MockedFunction[iam.GetInstanceProfileInput, iam.GetInstanceProfileOutput]

	// InstanceProfiles holds known profile names. Empty means every profile
	// exists.
	InstanceProfiles sync.Map
	StrictProfiles   bool
}

func NewIAMAPI() *IAMAPI {
	return &IAMAPI{}
}

func (a *IAMAPI) Reset() {
	a.GetInstanceProfileBehavior.Reset()
	a.InstanceProfiles.Range(func(k, _ any) bool {
		a.InstanceProfiles.Delete(k)
		return true
	})
	a.StrictProfiles = false
}

func (a *IAMAPI) GetInstanceProfile(_ context.Context, input *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	return a.GetInstanceProfileBehavior.Invoke(input, func(input *iam.GetInstanceProfileInput) (*iam.GetInstanceProfileOutput, error) {
		name := aws.ToString(input.InstanceProfileName)
		if a.StrictProfiles {
			if _, ok := a.InstanceProfiles.Load(name); !ok {
				return nil, apiError("NoSuchEntity", fmt.Sprintf("instance profile %q not found", name))
			}
		}
		return &iam.GetInstanceProfileOutput{
			InstanceProfile: &iamtypes.InstanceProfile{
				InstanceProfileName: input.InstanceProfileName,
				Arn:                 aws.String("arn:aws:iam::123456789012:instance-profile/" + name),
			},
		}, nil
	})
}

type PricingAPI struct {
	GetProductsBehavior atomic.MockedFunction[pricing.GetProductsInput, pricing.GetProductsOutput]
}

func NewPricingAPI() *PricingAPI {
	return &PricingAPI{}
}

func (a *PricingAPI) Reset() {
	a.GetProductsBehavior.Reset()
}

// defaultPrices backs the default GetProducts response, aligned with the EC2
// fake's default catalog.
var defaultPrices = map[string]string{
	"c5.large":   "0.085",
	"m5.large":   "0.096",
	"m5.xlarge":  "0.192",
	"m5.2xlarge": "0.384",
	"m6g.large":  "0.077",
	"r5.large":   "0.126",
}

func (a *PricingAPI) GetProducts(_ context.Context, input *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	return a.GetProductsBehavior.Invoke(input, func(*pricing.GetProductsInput) (*pricing.GetProductsOutput, error) {
		output := &pricing.GetProductsOutput{}
		for instanceType, price := range defaultPrices {
			doc, err := json.Marshal(map[string]any{
				"product": map[string]any{
					"attributes": map[string]any{"instanceType": instanceType},
				},
				"terms": map[string]any{
					"OnDemand": map[string]any{
						"offer": map[string]any{
							"priceDimensions": map[string]any{
								"rate": map[string]any{
									"pricePerUnit": map[string]any{"USD": price},
								},
							},
						},
					},
				},
			})
			if err != nil {
				return nil, err
			}
			output.PriceList = append(output.PriceList, string(doc))
		}
		return output, nil
	})
}

type SSMAPI struct {
	GetParameterBehavior atomic.MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]

	// Parameters maps parameter names to values. Misses synthesize a stable
	// ami id per name.
	Parameters sync.Map
}

func NewSSMAPI() *SSMAPI {
	return &SSMAPI{}
}

func (a *SSMAPI) Reset() {
	a.GetParameterBehavior.Reset()
	a.Parameters.Range(func(k, _ any) bool {
		a.Parameters.Delete(k)
		return true
	})
}

func (a *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return a.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		name := aws.ToString(input.Name)
		value, ok := a.Parameters.Load(name)
		if !ok {
			// stable across calls so cached and uncached lookups agree
			generated, _ := a.Parameters.LoadOrStore(name, randomImageID())
			value = generated
		}
		return &ssm.GetParameterOutput{
			Parameter: &ssmtypes.Parameter{
				Name:  input.Name,
				Value: aws.String(value.(string)),
			},
		}, nil
	})
}

type STSAPI struct {
	GetCallerIdentityBehavior atomic.MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

func NewSTSAPI() *STSAPI {
	return &STSAPI{}
}

func (a *STSAPI) Reset() {
	a.GetCallerIdentityBehavior.Reset()
}

func (a *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return a.GetCallerIdentityBehavior.Invoke(input, func(*sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: aws.String("123456789012"),
			Arn:     aws.String("arn:aws:iam::123456789012:role/hostbroker"),
		}, nil
	})
}

type SQSAPI struct {
	SendMessageBehavior atomic.MockedFunction[sqs.SendMessageInput, sqs.SendMessageOutput]
}

func NewSQSAPI() *SQSAPI {
	return &SQSAPI{}
}

func (a *SQSAPI) Reset() {
	a.SendMessageBehavior.Reset()
}

func (a *SQSAPI) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return a.SendMessageBehavior.Invoke(input, func(*sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
		return &sqs.SendMessageOutput{MessageId: aws.String(randomName("msg"))}, nil
	})
}

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
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
)

// Environment bundles every service fake behind one reset point.
type Environment struct {
	EC2API         *EC2API
	AutoScalingAPI *AutoScalingAPI
	IAMAPI         *IAMAPI
	PricingAPI     *PricingAPI
	SSMAPI         *SSMAPI
	STSAPI         *STSAPI
	SQSAPI         *SQSAPI
}

func NewEnvironment() *Environment {
	return &Environment{
		EC2API:         NewEC2API(),
		AutoScalingAPI: NewAutoScalingAPI(),
		IAMAPI:         NewIAMAPI(),
		PricingAPI:     NewPricingAPI(),
		SSMAPI:         NewSSMAPI(),
		STSAPI:         NewSTSAPI(),
		SQSAPI:         NewSQSAPI(),
	}
}

// Clients adapts the fakes to the narrowed client bundle the provider
// consumes.
func (e *Environment) Clients() *sdk.Clients {
	return &sdk.Clients{
		EC2:         e.EC2API,
		AutoScaling: e.AutoScalingAPI,
		IAM:         e.IAMAPI,
		Pricing:     e.PricingAPI,
		SSM:         e.SSMAPI,
		STS:         e.STSAPI,
		SQS:         e.SQSAPI,
	}
}

func (e *Environment) Reset() {
	e.EC2API.Reset()
	e.AutoScalingAPI.Reset()
	e.IAMAPI.Reset()
	e.PricingAPI.Reset()
	e.SSMAPI.Reset()
	e.STSAPI.Reset()
	e.SQSAPI.Reset()
}

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

package aws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"go.uber.org/multierr"

	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
)

const pricingRefreshInterval = 12 * time.Hour

// pricingProvider caches on-demand prices from the pricing API and spot
// prices from the spot price history. Prices order instance-type candidates
// cheapest-first; a missing price never blocks a launch.
type pricingProvider struct {
	pricingapi sdk.PricingAPI
	ec2api     sdk.EC2API
	region     string

	mu        sync.RWMutex
	onDemand  map[string]float64
	spot      map[string]float64
	refreshed time.Time
}

func newPricingProvider(pricingapi sdk.PricingAPI, ec2api sdk.EC2API, region string) *pricingProvider {
	return &pricingProvider{
		pricingapi: pricingapi,
		ec2api:     ec2api,
		region:     region,
		onDemand:   map[string]float64{},
		spot:       map[string]float64{},
	}
}

func (p *pricingProvider) OnDemandPrice(instanceType string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.onDemand[instanceType]
	return price, ok
}

func (p *pricingProvider) SpotPrice(instanceType, zone string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.spot[instanceType+"/"+zone]
	return price, ok
}

// ensureFresh refreshes both price tables when the refresh interval lapsed.
// Failures are logged and tolerated: stale or missing prices degrade ordering
// only.
func (p *pricingProvider) ensureFresh(ctx context.Context) {
	p.mu.RLock()
	fresh := time.Since(p.refreshed) < pricingRefreshInterval
	p.mu.RUnlock()
	if fresh {
		return
	}
	if err := p.refresh(ctx); err != nil {
		log.FromContext(ctx).Error(err, "refreshing pricing data")
	}
}

func (p *pricingProvider) refresh(ctx context.Context) error {
	var errs error
	onDemand, err := p.fetchOnDemand(ctx)
	errs = multierr.Append(errs, err)
	spot, err := p.fetchSpot(ctx)
	errs = multierr.Append(errs, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(onDemand) > 0 {
		p.onDemand = onDemand
	}
	if len(spot) > 0 {
		p.spot = spot
	}
	if errs == nil {
		p.refreshed = time.Now()
	}
	return errs
}

func (p *pricingProvider) fetchOnDemand(ctx context.Context) (map[string]float64, error) {
	prices := map[string]float64{}
	input := &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Field: aws.String("regionCode"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String(p.region)},
			{Field: aws.String("operatingSystem"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String("Linux")},
			{Field: aws.String("capacitystatus"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String("Used")},
			{Field: aws.String("preInstalledSw"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String("NA")},
			{Field: aws.String("tenancy"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String("Shared")},
			{Field: aws.String("marketoption"), Type: pricingtypes.FilterTypeTermMatch, Value: aws.String("OnDemand")},
		},
	}
	for {
		out, err := p.pricingapi.GetProducts(ctx, input)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, priceJSON := range out.PriceList {
			instanceType, price, ok := parseProduct(priceJSON)
			if ok {
				prices[instanceType] = price
			}
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}
	return prices, nil
}

// parseProduct digs the hourly USD rate out of one pricing product document.
func parseProduct(priceJSON string) (string, float64, bool) {
	var product struct {
		Product struct {
			Attributes struct {
				InstanceType string `json:"instanceType"`
			} `json:"attributes"`
		} `json:"product"`
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(priceJSON), &product); err != nil {
		return "", 0, false
	}
	if product.Product.Attributes.InstanceType == "" {
		return "", 0, false
	}
	for _, term := range product.Terms.OnDemand {
		for _, dimension := range term.PriceDimensions {
			price, err := strconv.ParseFloat(dimension.PricePerUnit.USD, 64)
			if err != nil || price == 0 {
				continue
			}
			return product.Product.Attributes.InstanceType, price, true
		}
	}
	return "", 0, false
}

func (p *pricingProvider) fetchSpot(ctx context.Context) (map[string]float64, error) {
	prices := map[string]float64{}
	input := &ec2.DescribeSpotPriceHistoryInput{
		ProductDescriptions: []string{"Linux/UNIX", "Linux/UNIX (Amazon VPC)"},
		StartTime:           aws.Time(time.Now()),
	}
	for {
		out, err := p.ec2api.DescribeSpotPriceHistory(ctx, input)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, record := range out.SpotPriceHistory {
			price, err := strconv.ParseFloat(aws.ToString(record.SpotPrice), 64)
			if err != nil || price == 0 {
				continue
			}
			key := spotKey(record)
			// keep the most recent observation per offering
			if _, seen := prices[key]; !seen {
				prices[key] = price
			}
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	return prices, nil
}

func spotKey(record ec2types.SpotPrice) string {
	return string(record.InstanceType) + "/" + aws.ToString(record.AvailabilityZone)
}

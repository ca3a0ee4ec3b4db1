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
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
)

const (
	launchTemplateCacheTTL  = 10 * time.Minute
	awsCacheCleanupInterval = 10 * time.Minute
)

// launchTemplateData is the hashed identity of a launch template. Two
// templates that agree on every field share one EC2 launch template.
type launchTemplateData struct {
	ImageID          string
	KeyName          string
	SecurityGroupIDs []string
	InstanceProfile  string
	UserData         string
	CapacityType     v1.CapacityType
}

// launchTemplateProvider ensures EC2 launch templates exist under
// deterministic hash-derived names. Found and created templates are cached so
// repeated launches skip the Describe round trip; the cache entry is dropped
// when EC2 reports the template missing.
type launchTemplateProvider struct {
	ec2api sdk.EC2API

	mu    sync.Mutex
	cache *cache.Cache
}

func newLaunchTemplateProvider(ec2api sdk.EC2API) *launchTemplateProvider {
	return &launchTemplateProvider{
		ec2api: ec2api,
		cache:  cache.New(launchTemplateCacheTTL, awsCacheCleanupInterval),
	}
}

func launchTemplateName(data launchTemplateData) (string, error) {
	hash, err := hashstructure.Hash(data, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "hashing launch template data")
	}
	return fmt.Sprintf("hostbroker.dev/%016x", hash), nil
}

func dataForTemplate(template *v1.Template) launchTemplateData {
	return launchTemplateData{
		ImageID:          template.ImageID,
		KeyName:          template.KeyName,
		SecurityGroupIDs: template.SecurityGroupIDs,
		InstanceProfile:  template.InstanceProfile,
		UserData:         template.UserData,
		CapacityType:     capacityType(template),
	}
}

// Ensure returns the name of a launch template matching the template's launch
// identity, creating it when absent.
func (p *launchTemplateProvider) Ensure(ctx context.Context, template *v1.Template, tags map[string]string) (string, error) {
	name, err := launchTemplateName(dataForTemplate(template))
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cache.Get(name); ok {
		p.cache.SetDefault(name, struct{}{})
		return name, nil
	}
	out, err := p.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil && !errors.IsLaunchTemplateNotFound(err) {
		return "", errors.FromAWS(err)
	}
	if err == nil && len(out.LaunchTemplates) > 0 {
		p.cache.SetDefault(name, struct{}{})
		return name, nil
	}
	if err := p.create(ctx, name, template, tags); err != nil {
		return "", err
	}
	p.cache.SetDefault(name, struct{}{})
	return name, nil
}

func (p *launchTemplateProvider) create(ctx context.Context, name string, template *v1.Template, tags map[string]string) error {
	data := &ec2types.RequestLaunchTemplateData{
		ImageId:          aws.String(template.ImageID),
		SecurityGroupIds: template.SecurityGroupIDs,
		TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{
			{ResourceType: ec2types.ResourceTypeInstance, Tags: ec2Tags(tags)},
			{ResourceType: ec2types.ResourceTypeVolume, Tags: ec2Tags(tags)},
		},
	}
	if template.KeyName != "" {
		data.KeyName = aws.String(template.KeyName)
	}
	if template.InstanceProfile != "" {
		data.IamInstanceProfile = &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: aws.String(template.InstanceProfile),
		}
	}
	if template.UserData != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(template.UserData)))
	}
	if _, err := p.ec2api.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: data,
		TagSpecifications: []ec2types.TagSpecification{
			{ResourceType: ec2types.ResourceTypeLaunchTemplate, Tags: ec2Tags(tags)},
		},
	}); err != nil {
		return errors.FromAWS(err)
	}
	log.FromContext(ctx).WithValues("launch-template-name", name).V(1).Info("created launch template")
	return nil
}

// Invalidate drops the cached entry so the next Ensure re-describes and, if
// needed, re-creates the launch template.
func (p *launchTemplateProvider) Invalidate(ctx context.Context, name string) {
	log.FromContext(ctx).WithValues("launch-template-name", name).V(1).Info("invalidating launch template from cache")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Delete(name)
}

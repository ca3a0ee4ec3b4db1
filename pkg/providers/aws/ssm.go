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
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/patrickmn/go-cache"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/log"
)

const (
	// ssmImagePrefix marks an image_id as a parameter-store alias, e.g.
	// ssm:/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64
	ssmImagePrefix = "ssm:"

	imageCacheTTL = 15 * time.Minute
)

// imageResolver resolves ssm: image aliases to concrete AMI ids through SSM
// parameter store, caching resolutions so launch paths do not hammer SSM.
type imageResolver struct {
	ssmapi sdk.SSMAPI

	mu    sync.Mutex
	cache *cache.Cache
}

func newImageResolver(ssmapi sdk.SSMAPI) *imageResolver {
	return &imageResolver{
		ssmapi: ssmapi,
		cache:  cache.New(imageCacheTTL, awsCacheCleanupInterval),
	}
}

// resolveImage rewrites a template's ssm: image alias in place. Concrete
// ami- ids pass through untouched.
func (s *Strategy) resolveImage(ctx context.Context, template *v1.Template) error {
	if !strings.HasPrefix(template.ImageID, ssmImagePrefix) {
		return nil
	}
	imageID, err := s.images.Resolve(ctx, strings.TrimPrefix(template.ImageID, ssmImagePrefix))
	if err != nil {
		return err
	}
	template.ImageID = imageID
	return nil
}

func (r *imageResolver) Resolve(ctx context.Context, parameter string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if imageID, ok := r.cache.Get(parameter); ok {
		return imageID.(string), nil
	}
	out, err := r.ssmapi.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(parameter)})
	if err != nil {
		return "", errors.FromAWS(err)
	}
	imageID := aws.ToString(out.Parameter.Value)
	if !strings.HasPrefix(imageID, "ami-") {
		return "", errors.New(errors.KindValidation, "ssm parameter %q resolved to %q, expected an ami id", parameter, imageID)
	}
	r.cache.SetDefault(parameter, imageID)
	log.FromContext(ctx).WithValues("parameter", parameter, "image-id", imageID).V(1).Info("resolved image alias")
	return imageID, nil
}

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

package errors

import (
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	launchTemplateNotFoundCode = "InvalidLaunchTemplateName.NotFoundException"
	AccessDeniedCode           = "AccessDenied"
	AccessDeniedExceptionCode  = "AccessDeniedException"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = sets.New[string](
		"InvalidInstanceID.NotFound",
		"InvalidSpotFleetRequestId.NotFound",
		"ValidationError",
		launchTemplateNotFoundCode,
		"AWS.SimpleQueueService.NonExistentQueue",
		"ResourceNotFoundException",
		"ParameterNotFound",
	)
	// unfulfillableCapacityErrorCodes signify that capacity is temporarily unable to be launched
	unfulfillableCapacityErrorCodes = sets.New[string](
		"InsufficientInstanceCapacity",
		"MaxSpotInstanceCountExceeded",
		"VcpuLimitExceeded",
		"UnfulfillableCapacity",
		"Unsupported",
		"InsufficientFreeAddressesInSubnet",
	)
	accessDeniedErrorCodes = sets.New[string](
		AccessDeniedCode,
		AccessDeniedExceptionCode,
		"UnauthorizedOperation",
	)
	throttlingErrorCodes = sets.New[string](
		"RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"EC2ThrottledException",
	)
)

// IsAWSNotFound returns true if the err is an AWS error (even if it's
// wrapped) and is known to mean "not found" (as opposed to a more
// serious or unexpected error)
func IsAWSNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return notFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied" (as opposed to a more
// serious or unexpected error)
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return accessDeniedErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsThrottling returns true if the error is an AWS rate limit rejection.
func IsThrottling(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return throttlingErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsUnfulfillableCapacity returns true if the Fleet err means
// capacity is temporarily unavailable for launching.
// This could be due to account limits, insufficient ec2 capacity, etc.
func IsUnfulfillableCapacity(err ec2types.CreateFleetError) bool {
	return unfulfillableCapacityErrorCodes.Has(aws.ToString(err.ErrorCode))
}

func IsLaunchTemplateNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode() == launchTemplateNotFoundCode
	}
	return false
}

// FromAWS classifies an AWS SDK error into the broker taxonomy. Already
// classified errors pass through unchanged.
func FromAWS(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if stderrors.As(err, &classified) {
		return err
	}
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch {
	case notFoundErrorCodes.Has(code):
		return Wrap(err, KindNotFound, "resource not found (%s)", code)
	case unfulfillableCapacityErrorCodes.Has(code):
		return Wrap(err, KindQuota, "capacity unavailable (%s)", code)
	case accessDeniedErrorCodes.Has(code):
		return Wrap(err, KindPermanent, "access denied (%s)", code)
	case throttlingErrorCodes.Has(code):
		return Wrap(err, KindTransient, "throttled (%s)", code)
	default:
		return Wrap(err, KindTransient, "provider call failed (%s)", code)
	}
}

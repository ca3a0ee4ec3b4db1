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

// Package fake provides in-memory doubles for the AWS service clients. Each
// fake implements the matching sdk interface, records every input, serves
// staged outputs or errors, and otherwise simulates plausible service
// behavior so provider tests can run the full launch paths.
package fake

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/smithy-go"
)

// apiError builds a smithy error with the given AWS error code so the
// classification helpers in pkg/errors see the same shapes the live services
// produce.
func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func randomInstanceID() string {
	return fmt.Sprintf("i-%08d", randomdata.Number(0, 99999999))
}

func randomImageID() string {
	return fmt.Sprintf("ami-%08d", randomdata.Number(0, 99999999))
}

func randomName(prefix string) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%d", prefix, randomdata.SillyName(), randomdata.Number(0, 9999)))
}

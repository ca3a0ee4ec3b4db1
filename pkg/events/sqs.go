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

package events

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	sdk "github.com/hostfactory/hostbroker/pkg/aws"
	"github.com/hostfactory/hostbroker/pkg/log"
)

// SQSPublisher sends each event as one JSON message. Delivery is best effort:
// send failures are logged and dropped, never surfaced to the emitting
// aggregate.
type SQSPublisher struct {
	sqsapi   sdk.SQSAPI
	queueURL string
}

func NewSQSPublisher(sqsapi sdk.SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{sqsapi: sqsapi, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, events ...v1.Event) {
	for _, evt := range events {
		body, err := json.Marshal(evt)
		if err != nil {
			log.FromContext(ctx).Error(err, "marshaling event", "type", evt.Type)
			continue
		}
		if _, err := p.sqsapi.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		}); err != nil {
			log.FromContext(ctx).Error(err, "publishing event to sqs", "type", evt.Type, "aggregate-id", evt.AggregateID)
		}
	}
}

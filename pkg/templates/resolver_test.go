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

package templates_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	v1 "github.com/hostfactory/hostbroker/pkg/apis/v1"
	"github.com/hostfactory/hostbroker/pkg/errors"
	"github.com/hostfactory/hostbroker/pkg/templates"
)

var _ = Describe("Resolver", func() {
	var ctx context.Context
	var dir string
	var clk *clocktesting.FakeClock
	var resolver *templates.Resolver

	write := func(name, content string) {
		GinkgoHelper()
		Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		clk = clocktesting.NewFakeClock(time.Now())
		resolver = templates.NewResolver([]string{dir}, 300*time.Second, clk)
	})

	It("should load templates from the canonical file layout", func() {
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "gpu-small", "provider_api": "fleet", "instance_types": ["g5.xlarge"], "max_number": 10}
		]}`)
		template, err := resolver.Get(ctx, "gpu-small")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.ProviderName).To(Equal("aws"))
		Expect(template.ProviderAPI).To(Equal(v1.ProviderAPIFleet))
		Expect(template.MaxNumber).To(Equal(10))
	})
	It("should accept a bare array file", func() {
		write("awsprov_templates.yaml", `
- template_id: cpu-large
  instance_types: [m5.4xlarge]
  provider_api: asg
`)
		template, err := resolver.Get(ctx, "cpu-large")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.ProviderAPI).To(Equal(v1.ProviderAPIASG))
	})
	It("should normalize scheduler wire names onto canonical fields", func() {
		write("awsinst_templates.json", `{"templates": [
			{"templateId": "hf-style", "vmTypes": ["c5.large"], "maxNumber": 3, "keyName": "ops", "subnetId": "subnet-1"}
		]}`)
		template, err := resolver.Get(ctx, "hf-style")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.InstanceTypes).To(Equal([]string{"c5.large"}))
		Expect(template.MaxNumber).To(Equal(3))
		Expect(template.KeyName).To(Equal("ops"))
		Expect(template.SubnetIDs).To(Equal([]string{"subnet-1"}))
	})
	It("should prefer the instance file over the provider file on collisions", func() {
		write("awsprov_templates.json", `{"templates": [
			{"template_id": "shared", "instance_types": ["m5.large"], "max_number": 1}
		]}`)
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "shared", "instance_types": ["m5.large"], "max_number": 99}
		]}`)
		template, err := resolver.Get(ctx, "shared")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.MaxNumber).To(Equal(99))
		Expect(template.SourcePriority).To(Equal(templates.PriorityInstance))
	})
	It("should keep the first definition on equal-priority collisions", func() {
		earlier := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(earlier, "awsinst_templates.json"), []byte(`{"templates": [
			{"template_id": "dup", "instance_types": ["m5.large"], "max_number": 7}
		]}`), 0o644)).To(Succeed())
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "dup", "instance_types": ["m5.large"], "max_number": 1}
		]}`)
		resolver = templates.NewResolver([]string{earlier, dir}, 300*time.Second, clk)
		template, err := resolver.Get(ctx, "dup")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.MaxNumber).To(Equal(7))
	})
	It("should rank legacy templates files last", func() {
		write("templates.json", `{"templates": [
			{"template_id": "legacy-only", "instance_types": ["t3.micro"]},
			{"template_id": "shadowed", "instance_types": ["t3.micro"], "max_number": 1}
		]}`)
		write("awstype_templates.json", `{"templates": [
			{"template_id": "shadowed", "instance_types": ["t3.micro"], "max_number": 5}
		]}`)
		legacy, err := resolver.Get(ctx, "legacy-only")
		Expect(err).ToNot(HaveOccurred())
		Expect(legacy.SourcePriority).To(Equal(templates.PriorityLegacy))
		shadowed, err := resolver.Get(ctx, "shadowed")
		Expect(err).ToNot(HaveOccurred())
		Expect(shadowed.MaxNumber).To(Equal(5))
	})
	It("should serve from cache inside the TTL and reload after it", func() {
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "cached", "instance_types": ["m5.large"]}
		]}`)
		_, err := resolver.Get(ctx, "cached")
		Expect(err).ToNot(HaveOccurred())

		write("awsinst_templates.json", `{"templates": [
			{"template_id": "replacement", "instance_types": ["m5.large"]}
		]}`)
		clk.Step(10 * time.Second)
		_, err = resolver.Get(ctx, "cached")
		Expect(err).ToNot(HaveOccurred())

		clk.Step(300 * time.Second)
		_, err = resolver.Get(ctx, "replacement")
		Expect(err).ToNot(HaveOccurred())
		_, err = resolver.Get(ctx, "cached")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should reload immediately on refresh", func() {
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "before", "instance_types": ["m5.large"]}
		]}`)
		_, err := resolver.Get(ctx, "before")
		Expect(err).ToNot(HaveOccurred())

		write("awsinst_templates.json", `{"templates": [
			{"template_id": "after", "instance_types": ["m5.large"]}
		]}`)
		Expect(resolver.Refresh(ctx)).To(Succeed())
		_, err = resolver.Get(ctx, "after")
		Expect(err).ToNot(HaveOccurred())
	})
	It("should fold file-referenced specs in at load time", func() {
		write("spec.json", `{"TagSpecifications": [{"ResourceType": "instance"}]}`)
		write("awsinst_templates.json", `{"templates": [
			{"template_id": "spec-file", "instance_types": ["m5.large"], "provider_api_spec_file": "spec.json"}
		]}`)
		template, err := resolver.Get(ctx, "spec-file")
		Expect(err).ToNot(HaveOccurred())
		Expect(template.ProviderAPISpec).To(HaveKey("TagSpecifications"))
	})
	It("should surface a validation error for malformed files", func() {
		write("awsinst_templates.json", `{"templates": [{]}`)
		_, err := resolver.Get(ctx, "anything")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})

	Context("mutations", func() {
		It("should create, update, and delete through the managed file", func() {
			template := &v1.Template{TemplateID: "managed", ProviderName: "aws", InstanceTypes: []string{"m5.large"}, MaxNumber: 2}
			Expect(resolver.Create(ctx, template)).To(Succeed())

			got, err := resolver.Get(ctx, "managed")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.MaxNumber).To(Equal(2))

			template.MaxNumber = 4
			Expect(resolver.Update(ctx, template)).To(Succeed())
			got, err = resolver.Get(ctx, "managed")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.MaxNumber).To(Equal(4))

			Expect(resolver.Delete(ctx, "managed")).To(Succeed())
			_, err = resolver.Get(ctx, "managed")
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})
		It("should reject creating a duplicate id", func() {
			write("awsprov_templates.json", `{"templates": [
				{"template_id": "taken", "instance_types": ["m5.large"]}
			]}`)
			err := resolver.Create(ctx, &v1.Template{TemplateID: "taken", InstanceTypes: []string{"m5.large"}})
			Expect(errors.IsConflict(err)).To(BeTrue())
		})
		It("should refuse to delete a template owned by another file", func() {
			write("awsprov_templates.json", `{"templates": [
				{"template_id": "foreign", "instance_types": ["m5.large"]}
			]}`)
			err := resolver.Delete(ctx, "foreign")
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
		It("should reject updating a template that does not exist", func() {
			err := resolver.Update(ctx, &v1.Template{TemplateID: "ghost", InstanceTypes: []string{"m5.large"}})
			Expect(errors.IsNotFound(err)).To(BeTrue())
		})
	})
})

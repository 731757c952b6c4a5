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

package config

import (
	"context"
	"flag"
	"testing"

	. "github.com/onsi/gomega"
)

func parseWithDefaults(g *WithT) *Options {
	o := &Options{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.AddFlags(fs)
	g.Expect(fs.Parse(nil)).To(Succeed())
	return o
}

func TestAddFlagsAppliesSpecDefaults(t *testing.T) {
	g := NewWithT(t)
	o := parseWithDefaults(g)

	g.Expect(o.IntervalSec).To(Equal(120))
	g.Expect(o.CooldownSec).To(Equal(240))
	g.Expect(o.FullThreshold).To(Equal(0.95))
	g.Expect(o.CreationBlockSec).To(Equal(150))
	g.Expect(o.LowThr).To(Equal(0.45))
	g.Expect(o.NIter).To(Equal(600))
	g.Expect(o.T0).To(Equal(60.0))
	g.Expect(o.Tmin).To(Equal(1.0))
	g.Expect(o.Alpha).To(Equal(0.9))
	g.Expect(o.MaxWorkerNodes).To(Equal(6))
	g.Expect(o.MaxClusterCPU).To(Equal(30.0))
	g.Expect(o.DefaultOverheadCPU).To(Equal(0.15))
	g.Expect(o.SpecialOverheadCPU).To(Equal(0.40))
	g.Expect(o.LogLevel).To(Equal("info"))
	g.Expect(o.ConsolidatorIntervalSec).To(Equal(240))
	g.Expect(o.PostCycleSettleSec).To(Equal(10))
}

func TestEnvOverridesDefault(t *testing.T) {
	g := NewWithT(t)
	t.Setenv("INTERVAL_SEC", "30")
	t.Setenv("MAX_CLUSTER_CPU", "12.5")

	o := parseWithDefaults(g)

	g.Expect(o.IntervalSec).To(Equal(30))
	g.Expect(o.MaxClusterCPU).To(Equal(12.5))
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	g := NewWithT(t)
	o := parseWithDefaults(g)
	o.IntervalSec = 0
	g.Expect(o.Validate()).To(MatchError(ContainSubstring("interval-sec")))
}

func TestValidateRejectsT0BelowTmin(t *testing.T) {
	g := NewWithT(t)
	o := parseWithDefaults(g)
	o.T0 = 1
	o.Tmin = 5
	g.Expect(o.Validate()).To(MatchError(ContainSubstring("sa-t0")))
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	g := NewWithT(t)
	o := parseWithDefaults(g)
	o.LogLevel = "verbose"
	g.Expect(o.Validate()).To(MatchError(ContainSubstring("log-level")))
}

func TestInjectAndFromContextRoundTrip(t *testing.T) {
	g := NewWithT(t)
	o := parseWithDefaults(g)

	ctx := o.Inject(context.Background())
	g.Expect(FromContext(ctx)).To(BeIdenticalTo(o))
}

func TestFromContextPanicsWithoutInject(t *testing.T) {
	g := NewWithT(t)
	g.Expect(func() { FromContext(context.Background()) }).To(Panic())
}

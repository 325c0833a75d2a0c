package system

import (
	"testing"
)

type mockProvider struct{ desc Descriptor }

func (m mockProvider) Descriptor() Descriptor { return m.desc }

func TestCollectDescriptors(t *testing.T) {
	providers := []DescriptorProvider{
		mockProvider{desc: Descriptor{Name: "svc1", Layer: LayerKernel}},
		mockProvider{desc: Descriptor{Name: "svc2", Layer: LayerKernel}},
		mockProvider{desc: Descriptor{Name: "svc3", Layer: LayerKernel}},
		nil,
	}

	descr := CollectDescriptors(providers)

	if len(descr) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descr))
	}
	if descr[0].Name != "svc1" || descr[1].Name != "svc2" || descr[2].Name != "svc3" {
		t.Fatalf("unexpected order: %#v", descr)
	}
}

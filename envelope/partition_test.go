package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasePartition_KeyIDs(t *testing.T) {
	p := newPartition("shopper123", "svc", "prod")

	assert.Equal(t, "_SK_svc_prod", p.SystemKeyID())
	assert.Equal(t, "_IK_shopper123_svc_prod", p.IntermediateKeyID())
}

func TestBasePartition_IsValidIntermediateKeyID(t *testing.T) {
	p := newPartition("shopper123", "svc", "prod")

	assert.True(t, p.IsValidIntermediateKeyID("_IK_shopper123_svc_prod"))
	assert.False(t, p.IsValidIntermediateKeyID("_IK_shopper123_svc_prod_us-west-2"))
	assert.False(t, p.IsValidIntermediateKeyID("_IK_other_svc_prod"))
}

func TestSuffixedPartition_KeyIDs(t *testing.T) {
	p := newSuffixedPartition("shopper123", "svc", "prod", "us-west-2")

	assert.Equal(t, "_SK_svc_prod_us-west-2", p.SystemKeyID())
	assert.Equal(t, "_IK_shopper123_svc_prod_us-west-2", p.IntermediateKeyID())
}

func TestSuffixedPartition_IsValidIntermediateKeyID(t *testing.T) {
	p := newSuffixedPartition("shopper123", "svc", "prod", "us-west-2")

	cases := []struct {
		id    string
		valid bool
	}{
		{"_IK_shopper123_svc_prod_us-west-2", true},
		{"_IK_shopper123_svc_prod", true},
		{"_IK_shopper123_svc_prod_us-east-1", true},
		{"_IK_shopper123_svc_prod_us-east-1_extra", false},
		{"_IK_other_svc_prod_us-west-2", false},
		{"_IK_shopper123_svc_prod_", false},
	}

	for _, c := range cases {
		assert.Equal(t, c.valid, p.IsValidIntermediateKeyID(c.id), "id=%s", c.id)
	}
}

package validate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/propcollect/internal/model"
)

func validProperty() *model.Property {
	beds, sqft, year := 3, 1850, 2005
	baths := 2.5
	price := 450000.0
	return &model.Property{
		PropertyID: "abc123def4567890",
		Address: model.Address{
			Street:  "123 Main St",
			City:    "Phoenix",
			State:   "AZ",
			Zipcode: "85031",
		},
		PropertyType: model.PropertyTypeSingleFamily,
		Features: model.Features{
			Bedrooms:   &beds,
			Bathrooms:  &baths,
			SquareFeet: &sqft,
			YearBuilt:  &year,
		},
		CurrentPrice: &price,
		PriceHistory: []model.PriceEntry{{
			Amount:     price,
			Date:       time.Now(),
			PriceType:  model.PriceTypeListing,
			Source:     model.SourceMLS,
			Confidence: 0.9,
		}},
		Sources: []model.SourceMeta{{
			Source:       model.SourceMLS,
			QualityScore: 0.95,
		}},
		IsActive: true,
	}
}

func TestValidate_HappyPath(t *testing.T) {
	v := New(ModeStrict)
	res := v.Validate(validProperty(), nil)

	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 0.95, res.Confidence, "structural path uses the quality score")
	assert.False(t, res.LowConfidence)
}

func TestValidate_RequiredFields(t *testing.T) {
	v := New(ModeStrict)

	p := validProperty()
	p.PropertyID = ""
	p.Address.Street = ""
	p.Address.Zipcode = ""

	res := v.Validate(p, nil)
	assert.False(t, res.IsValid)
	assert.Len(t, res.Errors, 3)
}

func TestValidate_ZipcodeNormalization(t *testing.T) {
	v := New(ModeStrict)

	p := validProperty()
	p.Address.Zipcode = "85031-1234"
	res := v.Validate(p, nil)
	assert.True(t, res.IsValid)
	assert.Equal(t, "85031", p.Address.Zipcode)

	for _, zip := range []string{"1234", "abcde", "853011"} {
		p := validProperty()
		p.Address.Zipcode = zip
		res := v.Validate(p, nil)
		assert.False(t, res.IsValid, zip)
	}
}

func TestValidate_RangeBoundaries(t *testing.T) {
	v := New(ModeStrict)

	cases := []struct {
		name  string
		patch func(*model.Property)
		valid bool
	}{
		{"beds at 0", func(p *model.Property) { *p.Features.Bedrooms = 0 }, true},
		{"beds at 50", func(p *model.Property) { *p.Features.Bedrooms = 50 }, true},
		{"beds at 51", func(p *model.Property) { *p.Features.Bedrooms = 51 }, false},
		{"baths at 20", func(p *model.Property) { *p.Features.Bathrooms = 20 }, true},
		{"baths at 20.5", func(p *model.Property) { *p.Features.Bathrooms = 20.5 }, false},
		{"sqft at 100", func(p *model.Property) { *p.Features.SquareFeet = 100 }, true},
		{"sqft at 99", func(p *model.Property) { *p.Features.SquareFeet = 99 }, false},
		{"sqft at 100000", func(p *model.Property) { *p.Features.SquareFeet = 100000 }, true},
		{"sqft at 100001", func(p *model.Property) { *p.Features.SquareFeet = 100001 }, false},
		{"year at 1800", func(p *model.Property) { *p.Features.YearBuilt = 1800 }, true},
		{"year at 1799", func(p *model.Property) { *p.Features.YearBuilt = 1799 }, false},
		{"year next year", func(p *model.Property) { *p.Features.YearBuilt = time.Now().Year() + 1 }, true},
		{"year too far out", func(p *model.Property) { *p.Features.YearBuilt = time.Now().Year() + 2 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validProperty()
			tc.patch(p)
			res := v.Validate(p, nil)
			assert.Equal(t, tc.valid, res.IsValid, fmt.Sprint(res.Errors))
		})
	}
}

func TestValidate_PriceRules(t *testing.T) {
	v := New(ModeStrict)

	p := validProperty()
	p.PriceHistory[0].Amount = -1
	res := v.Validate(p, nil)
	assert.False(t, res.IsValid)

	p = validProperty()
	p.PriceHistory[0].PriceType = "auction"
	res = v.Validate(p, nil)
	assert.False(t, res.IsValid)

	p = validProperty()
	other := 999999.0
	p.CurrentPrice = &other
	res = v.Validate(p, nil)
	assert.False(t, res.IsValid, "current price must match a history entry")
}

func TestValidate_Sanitation(t *testing.T) {
	v := New(ModeStrict)

	p := validProperty()
	p.Address.Street = "  123 <script>alert(1)</script>  Main   St "
	p.Address.City = "Phoe\x00nix"
	res := v.Validate(p, nil)

	assert.True(t, res.IsValid, fmt.Sprint(res.Errors))
	assert.Equal(t, "123 Main St", p.Address.Street)
	assert.Equal(t, "Phoenix", p.Address.City)
}

func TestValidate_RelaxedKeepsRangeViolations(t *testing.T) {
	p := validProperty()
	*p.Features.Bedrooms = 80

	strict := New(ModeStrict).Validate(validPropertyWithBeds(80), nil)
	assert.False(t, strict.IsValid)

	relaxed := New(ModeRelaxed).Validate(p, nil)
	assert.True(t, relaxed.IsValid)
	assert.NotEmpty(t, relaxed.Errors)
}

func validPropertyWithBeds(n int) *model.Property {
	p := validProperty()
	*p.Features.Bedrooms = n
	return p
}

func TestValidate_WeightedConfidence(t *testing.T) {
	v := New(ModeStrict)

	res := v.Validate(validProperty(), map[string]float64{
		"street":  1.0,
		"zipcode": 1.0,
		"price":   0.5,
	})
	// (1*1 + 1*1 + 0.5*0.8) / (1 + 1 + 0.8)
	assert.InDelta(t, 2.4/2.8, res.Confidence, 1e-9)
}

func TestValidate_LowConfidenceFailsStrict(t *testing.T) {
	low := map[string]float64{"street": 0.5, "zipcode": 0.5}

	strict := New(ModeStrict).Validate(validProperty(), low)
	assert.False(t, strict.IsValid)
	assert.True(t, strict.LowConfidence)

	relaxed := New(ModeRelaxed).Validate(validProperty(), low)
	assert.True(t, relaxed.IsValid)
	assert.True(t, relaxed.LowConfidence)
}

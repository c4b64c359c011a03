package validator

import (
	"errors"
	"testing"
)

type reading struct {
	Raw          int
	VoltageMV    *int
	TemperatureC *float64
	Device       string
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestRangeValidator(t *testing.T) {
	tests := []struct {
		name    string
		v       RangeValidator
		data    interface{}
		wantErr bool
	}{
		{name: "int in range", v: RangeValidator{Field: "Raw", Min: 0, Max: 4095}, data: reading{Raw: 2048}},
		{name: "int above max", v: RangeValidator{Field: "Raw", Min: 0, Max: 4095}, data: reading{Raw: 5000}, wantErr: true},
		{name: "pointer struct", v: RangeValidator{Field: "Raw", Min: 0, Max: 10}, data: &reading{Raw: 3}},
		{name: "nil pointer field is absent", v: RangeValidator{Field: "VoltageMV", Min: 100, Max: 3300}, data: reading{}},
		{name: "pointer field below min", v: RangeValidator{Field: "VoltageMV", Min: 100, Max: 3300}, data: reading{VoltageMV: intPtr(50)}, wantErr: true},
		{name: "float field", v: RangeValidator{Field: "TemperatureC", Min: -40, Max: 125}, data: reading{TemperatureC: floatPtr(21.5)}},
		{name: "non numeric field", v: RangeValidator{Field: "Device", Min: 0, Max: 1}, data: reading{Device: "x"}, wantErr: true},
		{name: "missing field", v: RangeValidator{Field: "Humidity", Min: 0, Max: 1}, data: reading{}, wantErr: true},
		{name: "not a struct", v: RangeValidator{Field: "Raw", Min: 0, Max: 1}, data: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSet_Quality(t *testing.T) {
	set := Set{
		&RangeValidator{Field: "Raw", Min: 0, Max: 4095},
		&RangeValidator{Field: "Humidity", Min: 0, Max: 100},
	}

	q, err := set.Quality(reading{Raw: 10})
	if q != QualityBad || !errors.Is(err, ErrFieldMissing) {
		t.Errorf("Quality() = %d, %v; want bad with ErrFieldMissing", q, err)
	}

	q, err = set[:1].Quality(reading{Raw: 10})
	if q != QualityGood || err != nil {
		t.Errorf("Quality() = %d, %v; want good", q, err)
	}

	if q, err := Set(nil).Quality(reading{}); q != QualityGood || err != nil {
		t.Errorf("empty set Quality() = %d, %v", q, err)
	}
}

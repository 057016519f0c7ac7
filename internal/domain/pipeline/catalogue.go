package pipeline

import "strings"

// LabTest is an orderable laboratory test.
type LabTest struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

var labTests = []LabTest{
	{Key: "cbc", Name: "Complete Blood Count", Category: "hematology"},
	{Key: "esr", Name: "Erythrocyte Sedimentation Rate", Category: "hematology"},
	{Key: "blood_group", Name: "Blood Group & Rh", Category: "hematology"},
	{Key: "malaria", Name: "Malaria Parasite", Category: "parasitology"},
	{Key: "stool", Name: "Stool Analysis", Category: "parasitology"},
	{Key: "urinalysis", Name: "Urinalysis", Category: "chemistry"},
	{Key: "blood_sugar", Name: "Blood Sugar", Category: "chemistry"},
	{Key: "lipid_profile", Name: "Lipid Profile", Category: "chemistry"},
	{Key: "liver_function", Name: "Liver Function Test", Category: "chemistry"},
	{Key: "renal_function", Name: "Renal Function Test", Category: "chemistry"},
	{Key: "widal", Name: "Widal Test", Category: "serology"},
	{Key: "hiv", Name: "HIV Screening", Category: "serology"},
	{Key: "hepatitis_b", Name: "Hepatitis B Surface Antigen", Category: "serology"},
	{Key: "pregnancy", Name: "Pregnancy Test", Category: "serology"},
	{Key: "xray", Name: "X-Ray", Category: "imaging"},
	{Key: "ultrasound", Name: "Ultrasound", Category: "imaging"},
}

var labTestIndex = func() map[string]LabTest {
	m := make(map[string]LabTest, len(labTests))
	for _, t := range labTests {
		m[t.Key] = t
	}
	return m
}()

// TestCatalogue returns the orderable tests in display order.
func TestCatalogue() []LabTest {
	out := make([]LabTest, len(labTests))
	copy(out, labTests)
	return out
}

// normalizeTestKey lower-cases key and reports whether it is in the
// catalogue.
func normalizeTestKey(key string) (string, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	_, ok := labTestIndex[key]
	return key, ok
}

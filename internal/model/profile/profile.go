package profile

// Profile carries the onboarding context attached to every guidance request.
// The engine treats these fields as opaque pass-through data.
type Profile struct {
	Age               int    `json:"age" yaml:"age"`
	Gender            string `json:"gender" yaml:"gender"`
	Occupation        string `json:"occupation" yaml:"occupation"`
	Lifestyle         string `json:"lifestyle" yaml:"lifestyle"`
	SelectedBodyParts string `json:"selected_body_parts" yaml:"selected_body_parts"`
}

// Default mirrors what the web client sends before onboarding is completed.
func Default() Profile {
	return Profile{
		Age:               30,
		Gender:            "여성",
		Occupation:        "직장인",
		Lifestyle:         "주 5일 근무, 하루 8시간 앉아서 일함",
		SelectedBodyParts: "목, 어깨",
	}
}

// WithDefaults fills every empty field from Default.
func (p Profile) WithDefaults() Profile {
	d := Default()
	if p.Age <= 0 {
		p.Age = d.Age
	}
	if p.Gender == "" {
		p.Gender = d.Gender
	}
	if p.Occupation == "" {
		p.Occupation = d.Occupation
	}
	if p.Lifestyle == "" {
		p.Lifestyle = d.Lifestyle
	}
	if p.SelectedBodyParts == "" {
		p.SelectedBodyParts = d.SelectedBodyParts
	}
	return p
}

package account

import "testing"

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with hyphen", "my-account", false},
		{"valid with underscore", "my_account", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.account", true},
		{"slash", "my/account", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"U1234567890", false},
		{"g_42", false},
		{"", true},
		{"../etc", true},
		{"a b", true},
	}
	for _, tt := range tests {
		if err := ValidateUserID(tt.input); (err != nil) != tt.wantErr {
			t.Errorf("ValidateUserID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

package helpers

import "testing"

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain object", in: `{"a":1}`, want: `{"a":1}`},
		{name: "code fence", in: "```json\n{\"a\":{\"b\":2}}\n```", want: `{"a":{"b":2}}`},
		{name: "brace in string", in: `Here: {"s":"x}y","n":1} trailing`, want: `{"s":"x}y","n":1}`},
		{name: "no object", in: "  nothing here ", want: "nothing here"},
	}
	for _, tt := range tests {
		if got := ExtractJSONObject(tt.in); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

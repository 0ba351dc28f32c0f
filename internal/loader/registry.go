package loader

// DefaultDeserializers returns the extension -> Deserializer mapping used
// outside of tests: TOML and YAML, both variants of the same schema.
func DefaultDeserializers() map[string]Deserializer {
	toml := TOMLDeserializer{}
	yaml := YAMLDeserializer{}
	return map[string]Deserializer{
		"toml": toml,
		"yaml": yaml,
		"yml":  yaml,
	}
}

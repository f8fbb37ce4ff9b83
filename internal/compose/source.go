package compose

// SignatureSource is the tagged union of ways a signature asset can be
// provided: an image uploaded by the signer, or one synthesized from the
// signer's display name when no upload is present.
type SignatureSource struct {
	image []byte
	name  string
}

// UploadedImage wraps signer-provided image bytes (PNG or JPEG).
func UploadedImage(data []byte) SignatureSource {
	return SignatureSource{image: data}
}

// GeneratedFromName requests a rendered signature for the given display name.
func GeneratedFromName(name string) SignatureSource {
	return SignatureSource{name: name}
}

// IsUploaded reports which arm of the union is populated.
func (s SignatureSource) IsUploaded() bool {
	return len(s.image) > 0
}

// Name returns the display name for the generated arm; empty for uploads.
func (s SignatureSource) Name() string {
	return s.name
}

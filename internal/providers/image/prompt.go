package image

import "strings"

// DefaultNegativePrompt captures undesirable artefacts we want the model to avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted garment, changed face, incorrect anatomy, extra limbs, text artefacts, watermark"

// BuildTryOnPrompt turns the shopper's optional direction into an editing
// instruction for models that take the person photo as the image to edit and
// the garment photo as the reference.
func BuildTryOnPrompt(extra string) string {
	lines := []string{
		"Dress the person in the first image with the garment from the second image.",
		"Keep the person's face, hair, body shape, pose and the background unchanged.",
		"Match the garment's colour, pattern, fabric texture and logo exactly, fitted naturally to the body.",
		"Keep lighting and shadows consistent with the original photo.",
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		lines = append(lines, "Additional direction: "+extra)
	}
	return strings.Join(lines, "\n")
}

package model

// NoInformation is returned for labels without advisory text.
const NoInformation = "no information available"

var treatments = map[string]string{
	"Black Rot":          "Remove infected shoots and fruit. Spray a fungicide containing captan or mancozeb as directed on the label. Keep the tree well fed and watered.",
	"frog_eye_leaf_spot": "Prune and destroy infected leaves. Spray a copper-based or mancozeb fungicide. Improve air circulation around the tree.",
	"healthy":            "No treatment needed. Keep up the current care.",
	"powdery_mildew":     "Spray a fungicide containing sulfur, myclobutanil or trifloxystrobin. Prune heavily infected shoots and open the canopy to air.",
	"rust":               "Remove infected leaves and shoots. Spray a fungicide containing myclobutanil, propiconazole or triadimefon. Avoid planting near junipers.",
	"scab":               "Spray a fungicide such as captan, mancozeb or dodine. Remove fallen leaves and infected fruit. Prefer resistant varieties where available.",
}

var preventions = map[string]string{
	"Black Rot":          "Keep the orchard clean and remove mummified fruit and dead wood. Prune for an open canopy and avoid wounding the bark.",
	"frog_eye_leaf_spot": "Collect and destroy fallen leaves at the end of the season. Prune for air flow and fertilise in balance.",
	"healthy":            "Water and fertilise on a regular schedule. Inspect plants often to catch early signs of disease.",
	"powdery_mildew":     "Choose resistant varieties. Plant in full sun with good air flow and avoid wetting leaves in the evening.",
	"rust":               "Do not plant apple trees near junipers or other Juniperus species. Remove galls on nearby junipers early.",
	"scab":               "Clear fallen leaves in autumn. Choose resistant varieties and apply a protective spray in early spring before new leaves emerge.",
}

// Treatment returns the treatment advice for label.
func Treatment(label string) string {
	if t, ok := treatments[label]; ok {
		return t
	}
	return NoInformation
}

// Prevention returns the prevention advice for label.
func Prevention(label string) string {
	if p, ok := preventions[label]; ok {
		return p
	}
	return NoInformation
}

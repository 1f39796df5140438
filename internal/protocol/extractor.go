package protocol

// Extractor is the recipe a client applies to an offloaded response body to
// get the same value Extract would have returned inline. The text is shared
// with the transform service, which executes it as is.
type Extractor string

const (
	extractPredictions Extractor = `
def extract_prediction_output_data(output_data):
    return output_data["predictions"][0]

extracted_output_data = extract_prediction_output_data(output_data)
`
	extractOutputsData Extractor = `
def extract_prediction_output_data(output_data):
    return output_data["outputs"][0]["data"]

extracted_output_data = extract_prediction_output_data(output_data)
`
	extractIdentity Extractor = `
def extract_prediction_output_data(output_data):
    return output_data

extracted_output_data = extract_prediction_output_data(output_data)
`
)

func (d DeploymentSystem) Extractor() Extractor {
	switch d {
	case KserveV1:
		return extractPredictions
	case KserveV2:
		return extractOutputsData
	case TextGeneration, Text2TextGeneration, TokenClassification, TextClassification, MLFlow:
		return extractIdentity
	default:
		return ""
	}
}

package memory

// ParseExtractionOutput exposes the extraction parser to external tests.
var ParseExtractionOutput = parseExtraction

package attestation

import "fmt"

var (
	purposeNames = map[int]string{
		0: "ENCRYPT", 1: "DECRYPT", 2: "SIGN", 3: "VERIFY",
		5: "WRAP_KEY", 6: "AGREE_KEY", 7: "ATTEST_KEY",
	}
	algorithmNames = map[int]string{
		1: "RSA", 3: "EC", 32: "AES", 33: "3DES", 128: "HMAC",
	}
	digestNames = map[int]string{
		0: "NONE", 1: "MD5", 2: "SHA1", 3: "SHA_2_224",
		4: "SHA_2_256", 5: "SHA_2_384", 6: "SHA_2_512",
	}
	paddingNames = map[int]string{
		1: "NONE", 2: "RSA_OAEP", 3: "RSA_PSS",
		4: "RSA_PKCS1_1_5_ENCRYPT", 5: "RSA_PKCS1_1_5_SIGN", 64: "PKCS7",
	}
	curveNames = map[int]string{
		0: "P_224", 1: "P_256", 2: "P_384", 3: "P_521", 4: "CURVE_25519",
	}
	originNames = map[int]string{
		0: "GENERATED", 1: "DERIVED", 2: "IMPORTED", 3: "RESERVED", 4: "SECURELY_IMPORTED",
	}
)

func name(table map[int]string, v int) string {
	if s, ok := table[v]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", v)
}

func PurposeName(v int) string   { return name(purposeNames, v) }
func AlgorithmName(v int) string { return name(algorithmNames, v) }
func DigestName(v int) string    { return name(digestNames, v) }
func PaddingName(v int) string   { return name(paddingNames, v) }
func CurveName(v int) string     { return name(curveNames, v) }
func OriginName(v int) string    { return name(originNames, v) }

// Key purposes, algorithms and curves used when building descriptions.
const (
	PurposeSign      = 2
	PurposeVerify    = 3
	PurposeAttestKey = 7
	AlgorithmEC      = 3
	DigestSHA256     = 4
	CurveP256        = 1
	OriginGenerated  = 0
	OriginImported   = 2
)

// FormatPatchLevel renders YYYYMM or YYYYMMDD patch levels with dashes.
func FormatPatchLevel(v int) string {
	switch {
	case v >= 10000000:
		return fmt.Sprintf("%04d-%02d-%02d", v/10000, v/100%100, v%100)
	case v >= 100000:
		return fmt.Sprintf("%04d-%02d", v/100, v%100)
	case v == 0:
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// FormatOSVersion renders an encoded OS version such as 140000 as 14.0.0.
func FormatOSVersion(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v/10000, v/100%100, v%100)
}

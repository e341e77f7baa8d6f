//go:build testrootkeys

package rootkeys

// Test trust anchors, compiled in only for builds that validate against
// the staging signing infrastructure.
func init() {
	hardcodedRootKeys = append(hardcodedRootKeys, RSARootKey{
		KID: "DU.202402.T",
		N:   "vQX-WqQcjbp_Gz_8mDVrUfm9adIntFUcEaiR4S7aqnNjmysnO-nF2h4vy0ifuRdW_wRXAHdq9ExZUVtIskoxKtrkmsG2ybgww7790sXWJpuNTLSP_ULk9zz5ifKV5VWLtjAtWMPwL3p_yK3OgBOKSOU9ZUai7e-cwG8ZAir2l_vExbIjgDXSx2v3CKRfKGHGJDOH5bnwjAs8DKTAgguXWTmZoBwo4zJpOb4UsY25I09GL-TkKulHMdSAc9dbViEFFPYamf5Bi7jvJEIGqUn5b_VU2_50vC_nQy04V8jUcAlP8lJXSs9-7c2YErSjT2cJa2D1KM54TSJyJ7mtfEjR_w",
		E:   65537,
	})
}
